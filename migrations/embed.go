// Package migrations embeds the SQLite schema into the pshal binary.
//
// Importing it for side effects registers the files with the database
// package:
//
//	import _ "github.com/infn-epics/pshal/migrations"
package migrations

import (
	"embed"

	"github.com/infn-epics/pshal/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
