package server

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies database migrations from the given source directory,
// e.g. "file://migrations". An empty dsn falls back to the environment.
func Migrate(dir, dsn, direction string, steps int) error {
	if dir == "" {
		dir = "file://migrations"
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
		if dsn == "" {
			return fmt.Errorf("no database dsn configured")
		}
	}

	m, err := migrate.New(dir, dsn)
	if err != nil {
		return err
	}
	switch direction {
	case "up":
		if steps > 0 {
			return ignoreNoChange(m.Steps(steps))
		}
		return ignoreNoChange(m.Up())
	case "down":
		if steps > 0 {
			return ignoreNoChange(m.Steps(-steps))
		}
		return ignoreNoChange(m.Down())
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
}

// ignoreNoChange treats an already-current schema as success.
func ignoreNoChange(err error) error {
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}
