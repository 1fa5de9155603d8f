package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialect names the SQL flavour behind a *sql.DB.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// ParseDialect maps a database/sql driver name to its dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, driver)
	}
}

// Upsert builds an insert that updates the given columns when key already exists.
func (d Dialect) Upsert(table, key string, columns, update []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)

	sets := make([]string, 0, len(update))
	switch d {
	case DialectMySQL:
		for _, col := range update {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", col, col))
		}
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	default:
		for _, col := range update {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
		return insert + fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET ", key) + strings.Join(sets, ", ")
	}
}

// OpenGorm wraps an existing pool in a gorm session of the matching dialect.
// The pool stays owned by the caller.
func OpenGorm(db *sql.DB, d Dialect) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch d {
	case DialectSQLite:
		dialector = sqlite.New(sqlite.Config{DriverName: "sqlite", Conn: db})
	case DialectMySQL:
		dialector = mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, d)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm session: %w", err)
	}
	return gdb, nil
}
