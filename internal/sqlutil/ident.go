// Package sqlutil provides dialect-aware SQL helpers for geomatch.
package sqlutil

import (
	"regexp"
	"strings"
)

// identPattern accepts plain identifiers only. Every table geomatch or the
// engine creates matches it.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is a plain identifier.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

// IdentifierError is returned for names that are not plain identifiers.
type IdentifierError struct {
	Name string
}

func (e *IdentifierError) Error() string {
	return "invalid identifier " + `"` + e.Name + `"` + ": want letters, digits and underscores"
}

// Quote quotes an identifier for the dialect, doubling embedded quote
// characters.
func (d Dialect) Quote(name string) string {
	if d == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteChecked quotes name after checking it is a plain identifier. Names
// read from a database schema rather than written in code go through here.
func (d Dialect) QuoteChecked(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", &IdentifierError{Name: name}
	}
	return d.Quote(name), nil
}
