package account

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// busyTimeoutMillis bounds how long a SQLite writer waits on a locked database.
const busyTimeoutMillis = 5000

// Open connects to the configured driver ("sqlite" or "postgres"), applies
// pending migrations, and returns a ready store.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		return OpenSQLite(ctx, dsn, logger)
	case DialectPostgres:
		return OpenPostgres(ctx, dsn, logger)
	default:
		return nil, fmt.Errorf("account: unknown storage driver %q", driver)
	}
}

// OpenSQLite opens the database file at path. WAL mode with synchronous=FULL
// keeps token writes durable across crashes.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(%d)",
		path, busyTimeoutMillis,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("account: opening database %s: %w", path, err)
	}

	// Single writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, goose.DialectSQLite3, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("account store ready", slog.String("driver", "sqlite"), slog.String("path", path))

	return NewSQLStore(db, DialectSQLite, logger), nil
}

// OpenPostgres connects through pgx's database/sql driver.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("account: opening postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("account: connecting to postgres: %w", err)
	}

	if err := runMigrations(ctx, db, goose.DialectPostgres, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("account store ready", slog.String("driver", "postgres"))

	return NewSQLStore(db, DialectPostgres, logger), nil
}

// runMigrations applies all pending schema migrations to the database.
// Uses the goose v3 Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, logger *slog.Logger) error {
	// Strip the "migrations/" prefix so goose sees files at the root of the FS.
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("account: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, subFS)
	if err != nil {
		return fmt.Errorf("account: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("account: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}
