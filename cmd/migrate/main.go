package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"tessera.dev/internal/migrate"
	"tessera.dev/internal/obs"
	"tessera.dev/internal/store/pg"
)

func main() {
	fs := pflag.NewFlagSet("tessera-migrate", pflag.ContinueOnError)
	var (
		dsn     = fs.String("database-url", os.Getenv("TESSERA_DATABASE_URL"), "PostgreSQL URL")
		dir     = fs.String("dir", "", "directory of *.up.sql/*.down.sql files (default: embedded schema)")
		timeout = fs.Duration("timeout", 30*time.Second, "overall timeout")
	)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|status")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	obs.Configure(obs.LogConfig{Level: os.Getenv("TESSERA_LOG_LEVEL")})
	log := obs.Module("migrate")

	if *dsn == "" {
		log.Fatal().Msg("missing database URL: provide --database-url or TESSERA_DATABASE_URL")
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := pg.Open(ctx, pg.Config{URL: *dsn, MaxConns: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	var source = migrate.Schema()
	if *dir != "" {
		source = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(db, source, migrate.WithLogger(log))

	cmd := fs.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
}
