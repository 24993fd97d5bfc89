package sqlutil

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects SQL syntax for one of the supported catalog backends.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "mysql", "":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported sql dialect %q", driver)
}

// Rebind rewrites ? placeholders into the dialect's form. Question marks
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// KeyType is the column type used for string primary keys.
func (d Dialect) KeyType() string {
	if d == MySQL {
		return "VARCHAR(191)"
	}
	return "TEXT"
}

// TimestampType is the column type used for timestamps.
func (d Dialect) TimestampType() string {
	if d == Postgres {
		return "TIMESTAMP"
	}
	return "DATETIME"
}

// TableOptions is appended to CREATE TABLE statements.
func (d Dialect) TableOptions() string {
	if d == MySQL {
		return " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}
	return ""
}

// Upsert builds an insert that updates the given columns on key conflict.
func (d Dialect) Upsert(table string, cols, keys, update []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.Quote(c)
		marks[i] = "?"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	sets := make([]string, len(update))
	switch d {
	case MySQL:
		for i, c := range update {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", d.Quote(c), d.Quote(c))
		}
		if len(sets) == 0 {
			fmt.Fprintf(&b, " ON DUPLICATE KEY UPDATE %s = %s", d.Quote(keys[0]), d.Quote(keys[0]))
		} else {
			fmt.Fprintf(&b, " ON DUPLICATE KEY UPDATE %s", strings.Join(sets, ", "))
		}
	default:
		qk := make([]string, len(keys))
		for i, k := range keys {
			qk[i] = d.Quote(k)
		}
		for i, c := range update {
			sets[i] = fmt.Sprintf("%s = excluded.%s", d.Quote(c), d.Quote(c))
		}
		if len(sets) == 0 {
			fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", strings.Join(qk, ", "))
		} else {
			fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(qk, ", "), strings.Join(sets, ", "))
		}
	}
	return d.Rebind(b.String())
}

// Placeholders returns n comma separated placeholders in the dialect's
// form, numbered from start (1-based) for postgres.
func (d Dialect) Placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		if d == Postgres {
			parts[i] = "$" + strconv.Itoa(start+i)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}
