package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	tests := []struct {
		input    string
		expected Dialect
		wantErr  bool
	}{
		{"mysql", MySQL, false},
		{"", MySQL, false},
		{"postgres", Postgres, false},
		{"PostgreSQL", Postgres, false},
		{"sqlite", SQLite, false},
		{"sqlite3", SQLite, false},
		{"oracle", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseDialect(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestDialect_Quote(t *testing.T) {
	assert.Equal(t, "`geomatch_run`", MySQL.Quote("geomatch_run"))
	assert.Equal(t, `"geomatch_run"`, Postgres.Quote("geomatch_run"))
	assert.Equal(t, `"a""b"`, SQLite.Quote(`a"b`))
	assert.Equal(t, "`a``b`", MySQL.Quote("a`b"))
	assert.Equal(t, "``", MySQL.Quote(""))
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"two_view_geometries", true},
		{"geomatch_run", true},
		{"_private", true},
		{"Table2", true},
		{"", false},
		{"2fast", false},
		{"images; DROP TABLE images", false},
		{"my-table", false},
		{"a.b", false},
		{`a"b`, false},
		{"caf\u00e9", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidIdentifier(tt.name))
		})
	}
}

func TestDialect_QuoteChecked(t *testing.T) {
	q, err := SQLite.QuoteChecked("keypoints")
	require.NoError(t, err)
	assert.Equal(t, `"keypoints"`, q)

	q, err = MySQL.QuoteChecked("geomatch_box")
	require.NoError(t, err)
	assert.Equal(t, "`geomatch_box`", q)

	_, err = SQLite.QuoteChecked(`images" --`)
	var identErr *IdentifierError
	require.ErrorAs(t, err, &identErr)
	assert.Equal(t, `images" --`, identErr.Name)
	assert.Contains(t, err.Error(), "invalid identifier")
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?"
	assert.Equal(t, q, MySQL.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2", Postgres.Rebind(q))
}

func TestDialect_Upsert(t *testing.T) {
	cols := []string{"id", "state", "updated_at"}
	keys := []string{"id"}
	update := []string{"state", "updated_at"}

	assert.Equal(t,
		"INSERT INTO `geomatch_run` (`id`, `state`, `updated_at`) VALUES (?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE `state` = VALUES(`state`), `updated_at` = VALUES(`updated_at`)",
		MySQL.Upsert("geomatch_run", cols, keys, update))

	assert.Equal(t,
		`INSERT INTO "geomatch_run" ("id", "state", "updated_at") VALUES ($1, $2, $3) `+
			`ON CONFLICT ("id") DO UPDATE SET "state" = excluded."state", "updated_at" = excluded."updated_at"`,
		Postgres.Upsert("geomatch_run", cols, keys, update))

	assert.Equal(t,
		`INSERT INTO "geomatch_run" ("id", "state", "updated_at") VALUES (?, ?, ?) ON CONFLICT ("id") DO NOTHING`,
		SQLite.Upsert("geomatch_run", cols, keys, nil))
}

func TestDialect_Types(t *testing.T) {
	assert.Equal(t, "VARCHAR(191)", MySQL.KeyType())
	assert.Equal(t, "TEXT", SQLite.KeyType())
	assert.Equal(t, "TIMESTAMP", Postgres.TimestampType())
	assert.Equal(t, "DATETIME", SQLite.TimestampType())
	assert.Contains(t, MySQL.TableOptions(), "InnoDB")
	assert.Empty(t, Postgres.TableOptions())
}

func TestDialect_Placeholders(t *testing.T) {
	assert.Equal(t, "?, ?, ?", SQLite.Placeholders(1, 3))
	assert.Equal(t, "$4, $5", Postgres.Placeholders(4, 2))
	assert.Equal(t, "", MySQL.Placeholders(1, 0))
}
