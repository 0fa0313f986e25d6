package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/example/courseauth/internal/config"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "./migrations", "Migrations directory")
	)
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.DBAdapter != "postgres" {
		log.Fatalf("migrations only apply to postgres (DB_ADAPTER=%s)", cfg.DBAdapter)
	}
	dsn, err := cfg.BuildPostgresDSN()
	if err != nil {
		log.Fatalf("postgres config error: %v", err)
	}

	m, cleanup, err := newMigrator(*dir, dsn)
	if err != nil {
		log.Fatalf("migrator init: %v", err)
	}
	defer cleanup()

	switch *command {
	case "up":
		if err := step(m, true, *steps); err != nil {
			log.Fatalf("migration up failed: %v", err)
		}
		fmt.Println("migrations applied")
	case "down":
		if err := step(m, false, *steps); err != nil {
			log.Fatalf("migration down failed: %v", err)
		}
		fmt.Println("migrations rolled back")
	case "version":
		v, dirty, err := m.Version()
		if err == migrate.ErrNilVersion {
			fmt.Println("no migrations applied yet")
			return
		}
		if err != nil {
			log.Fatalf("version check failed: %v", err)
		}
		if dirty {
			fmt.Printf("database is in a dirty state (version %d)\n", v)
			os.Exit(1)
		}
		fmt.Printf("current migration version: %d\n", v)
	case "force":
		if *version == 0 {
			log.Fatal("version required for force command (use -version flag)")
		}
		if err := m.Force(int(*version)); err != nil {
			log.Fatalf("force migration failed: %v", err)
		}
		fmt.Printf("forced database to version %d\n", *version)
	default:
		log.Fatalf("unknown command: %s (supported: up, down, version, force)", *command)
	}
}

func newMigrator(migrationsDir, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, func() { db.Close() }, nil
}

func step(m *migrate.Migrate, up bool, steps int) error {
	var err error
	switch {
	case steps > 0 && up:
		err = m.Steps(steps)
	case steps > 0:
		err = m.Steps(-steps)
	case up:
		err = m.Up()
	default:
		err = m.Down()
	}
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}
