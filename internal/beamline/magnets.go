package beamline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/infn-epics/pshal/internal/iopoint"
	"github.com/infn-epics/pshal/internal/powersupply"
)

// Default current bounds for CSV rows without usable Min/Max columns.
const (
	defaultCSVMax = 2.0
	defaultCSVMin = -2.0
)

// corrector is the magnet type that implies a bipolar supply.
const corrector = "COR"

// Magnet is one entry of the magnet list.
type Magnet struct {
	Name        string
	Prefix      string
	Root        string
	Zone        string
	Type        string
	Driver      string
	Description string
	Params      powersupply.Params
}

// Address is the supply prefix the driver sees: "<prefix>:<root>".
func (m Magnet) Address() string {
	if m.Root == "" {
		return m.Prefix
	}
	return m.Prefix + ":" + m.Root
}

// Point is an I/O point entry of the magnet list.
type Point struct {
	Name   string
	Prefix string
	Kind   iopoint.Kind
}

// List is a parsed magnet list.
type List struct {
	Magnets []Magnet
	Points  []Point
}

type magnetYAML struct {
	Prefix string         `yaml:"prefix"`
	Root   string         `yaml:"root"`
	Zone   string         `yaml:"zone"`
	Type   string         `yaml:"type"`
	Driver string         `yaml:"driver"`
	Desc   string         `yaml:"desc"`
	Param  map[string]any `yaml:"param"`
}

type pointYAML struct {
	Prefix string `yaml:"prefix"`
	Kind   string `yaml:"kind"`
}

type listYAML struct {
	Magnets []map[string]magnetYAML `yaml:"magnets"`
	IO      []map[string]pointYAML  `yaml:"io"`
}

// Load reads a magnet list, choosing the format from the file extension
// (.yaml, .yml or .csv).
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening magnet list: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(f)
	case ".csv":
		return ParseCSV(f)
	default:
		return nil, fmt.Errorf("%w: %s (supported: .yaml, .yml, .csv)", ErrUnsupportedFormat, path)
	}
}

// ParseYAML reads the YAML form:
//
//	magnets:
//	  - QUATB001:
//	      prefix: SPARC:PS
//	      root: QUATB001
//	      zone: TB
//	      type: QUA
//	      driver: dante
//	      param: {max: 100, min: 0}
//	io:
//	  - ALAS0:
//	      prefix: SPARC:TEMP:ALAS0
//	      kind: RTD
func ParseYAML(r io.Reader) (*List, error) {
	var raw listYAML
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing magnet list: %w", err)
	}

	list := &List{}
	var errs []error
	for i, entry := range raw.Magnets {
		for _, name := range sortedKeys(entry) {
			m := entry[name]
			mag := Magnet{
				Name:        name,
				Prefix:      m.Prefix,
				Root:        m.Root,
				Zone:        m.Zone,
				Type:        m.Type,
				Driver:      m.Driver,
				Description: m.Desc,
				Params:      powersupply.Params(m.Param),
			}
			if err := mag.validate(); err != nil {
				errs = append(errs, fmt.Errorf("magnets[%d]: %w", i, err))
				continue
			}
			list.Magnets = append(list.Magnets, mag)
		}
	}
	for i, entry := range raw.IO {
		for _, name := range sortedKeys(entry) {
			p := entry[name]
			kind, err := iopoint.ParseKind(p.Kind)
			if err != nil {
				errs = append(errs, fmt.Errorf("io[%d] %s: %w", i, name, err))
				continue
			}
			if p.Prefix == "" {
				errs = append(errs, fmt.Errorf("io[%d] %s: %w: prefix", i, name, ErrMissingField))
				continue
			}
			list.Points = append(list.Points, Point{Name: name, Prefix: p.Prefix, Kind: kind})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return list, nil
}

// ParseCSV reads the spreadsheet form with header
// Name,Prefix,Zone,Type,Driver and optional Min,Max,Bipolar,Description.
// COR magnets are bipolar unless the Bipolar column says 0; bounds
// default to ±2 A.
func ParseCSV(r io.Reader) (*List, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading magnet list header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"Name", "Prefix", "Zone", "Type", "Driver"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: column %s", ErrMissingField, required)
		}
	}

	list := &List{}
	var errs []error
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading magnet list line %d: %w", line, err)
		}
		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		params := powersupply.Params{
			powersupply.ParamMax: numberOr(field("Max"), defaultCSVMax),
			powersupply.ParamMin: numberOr(field("Min"), defaultCSVMin),
		}
		if field("Type") == corrector {
			params[powersupply.ParamBipolar] = true
		}
		switch field("Bipolar") {
		case "1":
			params[powersupply.ParamBipolar] = true
		case "0":
			params[powersupply.ParamBipolar] = false
		}

		mag := Magnet{
			Name:        field("Name"),
			Prefix:      field("Prefix"),
			Root:        field("Name"),
			Zone:        field("Zone"),
			Type:        field("Type"),
			Driver:      field("Driver"),
			Description: field("Description"),
			Params:      params,
		}
		if err := mag.validate(); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		list.Magnets = append(list.Magnets, mag)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return list, nil
}

func (m Magnet) validate() error {
	switch {
	case m.Name == "":
		return fmt.Errorf("%w: name", ErrMissingField)
	case m.Prefix == "":
		return fmt.Errorf("%s: %w: prefix", m.Name, ErrMissingField)
	case m.Driver == "":
		return fmt.Errorf("%s: %w: driver", m.Name, ErrMissingField)
	}
	return nil
}

func numberOr(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
