// Package iopoint provides simple I/O points addressed by a prefix and a
// fixed suffix: digital inputs (:DI) and outputs (:DO), analog inputs (:AI)
// and outputs (:AO), and RTD temperatures (:TEMP).
package iopoint
