// Package migrations embeds the SQL schema for the Postgres block store.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Up returns the names of the forward migrations in apply order.
func Up() ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the SQL of the named migration.
func Read(name string) (string, error) {
	b, err := files.ReadFile(name)
	return string(b), err
}
