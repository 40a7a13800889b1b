// Package migrations embeds the event-log schema migrations so the migrator
// and the services can apply them without shipping loose SQL files.
package migrations

import (
	"embed"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var files embed.FS

// Source returns a golang-migrate source driver backed by the embedded files.
func Source() (source.Driver, error) {
	return iofs.New(files, ".")
}
