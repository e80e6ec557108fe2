// Command migrate manages the feedsync database schema.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"feedsync/migrations"
)

type options struct {
	DatabasePath string `long:"db" env:"FEEDSYNC_DB" default:"./data/feedsync.db" description:"Path to the local SQLite database"`

	Args struct {
		Command string `positional-arg-name:"command" description:"up | up-one | down | status | version | reset"`
	} `positional-args:"yes" required:"yes"`
}

var commands = map[string]func(*sql.DB) error{
	"up":      func(db *sql.DB) error { return goose.Up(db, ".") },
	"up-one":  func(db *sql.DB) error { return goose.UpByOne(db, ".") },
	"down":    func(db *sql.DB) error { return goose.Down(db, ".") },
	"status":  func(db *sql.DB) error { return goose.Status(db, ".") },
	"version": func(db *sql.DB) error { return goose.Version(db, ".") },
	"reset":   func(db *sql.DB) error { return goose.Reset(db, ".") },
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).ParseArgs(args); err != nil {
		return err
	}

	apply, ok := commands[opts.Args.Command]
	if !ok {
		return fmt.Errorf("unknown command %q (want up, up-one, down, status, version or reset)", opts.Args.Command)
	}

	db, err := sql.Open("sqlite", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := apply(db); err != nil {
		return fmt.Errorf("%s: %w", opts.Args.Command, err)
	}
	return nil
}
