package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"attend/cmd/internal/attendance/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// MigrateCommand is one of the supported goose verbs.
type MigrateCommand string

const (
	MigrateUp     MigrateCommand = "up"
	MigrateDown   MigrateCommand = "down"
	MigrateStatus MigrateCommand = "status"
)

// Migrate runs the embedded SQL migrations against databaseURL through the pgx stdlib driver.
func Migrate(ctx context.Context, databaseURL string, cmd MigrateCommand, log *slog.Logger) error {
	if strings.TrimSpace(databaseURL) == "" {
		return errors.New("migrate: ATTEND_DATABASE_URL is not set")
	}

	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	db, err := goose.OpenDBWithDriver("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	switch cmd {
	case MigrateUp:
		err = goose.UpContext(ctx, db, ".")
	case MigrateDown:
		err = goose.DownContext(ctx, db, ".")
	case MigrateStatus:
		err = goose.StatusContext(ctx, db, ".")
	default:
		return fmt.Errorf("migrate: unknown command %q", cmd)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", cmd, err)
	}

	if log != nil {
		v, verr := goose.GetDBVersionContext(ctx, db)
		log.Info("db.migrate.done", "command", string(cmd), "version", v, "version_err", verr)
	}
	return nil
}
