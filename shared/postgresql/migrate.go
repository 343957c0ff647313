package postgresql

import (
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

// slogGooseLogger forwards goose output to slog
type slogGooseLogger struct {
	logger *slog.Logger
}

func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf logs at error level and does not exit; goose returns the error to the caller
func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Migrate applies every pending goose migration found at the root of fsys
func (c *Client) Migrate(fsys fs.FS) error {
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(&slogGooseLogger{logger: c.logger})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.Up(c.db.DB, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := goose.GetDBVersion(c.db.DB)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	c.logger.Info("Database migrations applied", slog.Int64("version", version))
	return nil
}
