package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect captures the SQL differences between the supported engines.
type Dialect struct {
	Name   string // store driver name used in config: mysql, postgres, sqlite
	Driver string // database/sql driver name
}

var dialects = map[string]Dialect{
	"mysql":    {Name: "mysql", Driver: "mysql"},
	"postgres": {Name: "postgres", Driver: "pgx"},
	"sqlite":   {Name: "sqlite", Driver: "sqlite"},
}

// DialectFor looks up the dialect of a store driver name.
func DialectFor(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return Dialect{}, fmt.Errorf("sqlstore: unsupported driver %q", name)
	}
	return d, nil
}

// Upsert builds an insert that updates every non-key column when the key already exists.
func (d Dialect) Upsert(table string, cols, keys []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	b.WriteString(")")

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		if d.Name == "mysql" {
			sets = append(sets, c+"=VALUES("+c+")")
		} else {
			sets = append(sets, c+"=excluded."+c)
		}
	}

	switch {
	case d.Name == "mysql":
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		if len(sets) == 0 {
			sets = append(sets, keys[0]+"="+keys[0])
		}
		b.WriteString(strings.Join(sets, ", "))
	case len(sets) == 0:
		b.WriteString(" ON CONFLICT (" + strings.Join(keys, ", ") + ") DO NOTHING")
	default:
		b.WriteString(" ON CONFLICT (" + strings.Join(keys, ", ") + ") DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return d.Rebind(b.String())
}

// Rebind rewrites ? placeholders into the engine's positional form.
func (d Dialect) Rebind(q string) string {
	if d.Name != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
