// Command migrator applies the SQL migrations for the dispatch
// database. It takes an advisory lock so that replicas racing at
// deploy time apply the files exactly once, in filename order.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Arbitrary but stable key for the migration advisory lock.
const migrationLockKey = 7420

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if err := run(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context) error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "/migrations"
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // migration files hold multiple statements
	cfg.ConnConfig.RuntimeParams["application_name"] = "dispatch-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	// Session-level lock, released when the connection goes away.
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("take migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockKey)

	if _, err := conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	names, err := migrationFiles(migrationsDir)
	if err != nil {
		return err
	}

	applied := 0
	for _, name := range names {
		ok, err := applyOne(ctx, conn, migrationsDir, name)
		if err != nil {
			return err
		}
		if ok {
			applied++
		}
	}

	log.Printf("migrations complete (applied=%d, up to date=%d)", applied, len(names)-applied)
	return nil
}

// migrationFiles lists the *.up.sql files in order.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// applyOne runs a single migration file unless schema_migrations says
// it already ran. Returns true when the file was applied this run.
func applyOne(ctx context.Context, conn *pgxpool.Conn, dir, name string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check applied %s: %w", name, err)
	}
	if exists {
		log.Printf("up to date: %s", name)
		return false, nil
	}

	contents, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}

	log.Printf("applying %s", name)
	start := time.Now()

	if _, err := conn.Exec(ctx, string(contents)); err != nil {
		return false, fmt.Errorf("execute %s: %w", name, err)
	}
	if _, err := conn.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1)", name); err != nil {
		return false, fmt.Errorf("mark applied %s: %w", name, err)
	}

	log.Printf("applied %s in %s", name, time.Since(start).Round(time.Millisecond))
	return true, nil
}
