package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"nexa-erp.dev/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (postgres://...)")
		table = flag.String("table", "", "Migrations bookkeeping table (default schema_migrations)")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	mgr, err := migrate.NewManager(*dsn, migrate.WithMigrationsTable(*table))
	if err != nil {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up()
	case "down":
		err = mgr.Down()
	case "status":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = mgr.Status()
		if err == nil {
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
