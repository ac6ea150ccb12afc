package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL differences between SQLite and PostgreSQL.
// Queries are written once with ? placeholders; the schema is rendered
// from the dialect's column types.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// Placeholder returns a parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// AutoIncrement returns the column definition for a surrogate key.
	AutoIncrement() string

	// BoolType returns the column type for boolean values.
	BoolType() string

	// RealType returns the column type for floating point values.
	RealType() string

	// IntegerType returns the integer column type.
	IntegerType(big bool) string

	// ForUpdate returns a row locking clause, empty when the backend locks
	// the whole database for a write transaction.
	ForUpdate() string

	// LimitOffset returns the LIMIT/OFFSET clause.
	LimitOffset(limit, offset int) string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string                 { return "sqlite" }
func (d *SQLiteDialect) Placeholder(index int) string { return "?" }
func (d *SQLiteDialect) AutoIncrement() string        { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (d *SQLiteDialect) BoolType() string             { return "INTEGER" }
func (d *SQLiteDialect) RealType() string             { return "REAL" }
func (d *SQLiteDialect) IntegerType(big bool) string  { return "INTEGER" }
func (d *SQLiteDialect) ForUpdate() string            { return "" }

func (d *SQLiteDialect) LimitOffset(limit, offset int) string {
	return limitOffset(limit, offset)
}

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string                 { return "postgres" }
func (d *PostgresDialect) Placeholder(index int) string { return fmt.Sprintf("$%d", index) }
func (d *PostgresDialect) AutoIncrement() string        { return "BIGSERIAL PRIMARY KEY" }
func (d *PostgresDialect) BoolType() string             { return "BOOLEAN" }
func (d *PostgresDialect) RealType() string             { return "DOUBLE PRECISION" }
func (d *PostgresDialect) ForUpdate() string            { return "FOR UPDATE" }

func (d *PostgresDialect) IntegerType(big bool) string {
	if big {
		return "BIGINT"
	}
	return "INTEGER"
}

func (d *PostgresDialect) LimitOffset(limit, offset int) string {
	return limitOffset(limit, offset)
}

func limitOffset(limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	if offset <= 0 {
		return fmt.Sprintf("LIMIT %d", limit)
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

// ConvertPlaceholders converts ? placeholders to PostgreSQL-style $n placeholders.
// Question marks inside single-quoted literals are left alone.
func ConvertPlaceholders(query string) string {
	var result strings.Builder
	result.Grow(len(query) + 10)
	n := 1
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			result.WriteByte(c)
		case c == '?' && !inQuote:
			fmt.Fprintf(&result, "$%d", n)
			n++
		default:
			result.WriteByte(c)
		}
	}
	return result.String()
}

// PlaceholderSet generates a comma-separated list of placeholders for IN clauses.
func PlaceholderSet(dialect Dialect, count int, startIndex int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = dialect.Placeholder(startIndex + i)
	}
	return strings.Join(placeholders, ", ")
}
