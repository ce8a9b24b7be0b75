// Command migrate manages the sqlite schema with the embedded migration
// history.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	_ "github.com/glebarez/go-sqlite"
	"github.com/spf13/cobra"

	"github.com/pysugar/anygate/internal/config"
	"github.com/pysugar/anygate/internal/migrations"
)

var (
	configPath string
	database   string
)

func openDB() (*sql.DB, error) {
	path := database
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.Database.Path
	}
	return sql.Open("sqlite", path)
}

func withDB(fn func(*sql.DB) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func main() {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "manage the anygate database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&database, "database", "", "sqlite path (overrides config)")

	revision := &cobra.Command{
		Use:   "revision <name>",
		Short: "create a new empty migration file pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return err
			}
			return newRevision(dir, args[0])
		},
	}
	revision.Flags().String("dir", "internal/migrations/sql", "migration directory")

	root.AddCommand(
		revision,
		&cobra.Command{
			Use:   "upgrade",
			Short: "apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(migrations.Up)
			},
		},
		&cobra.Command{
			Use:   "downgrade [steps]",
			Short: "roll back migrations (default 1 step)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil {
						return fmt.Errorf("invalid step count %q", args[0])
					}
					steps = n
				}
				return withDB(func(db *sql.DB) error {
					return migrations.Down(db, steps)
				})
			},
		},
		&cobra.Command{
			Use:   "current",
			Short: "print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(func(db *sql.DB) error {
					version, dirty, err := migrations.Version(db)
					if err != nil {
						return err
					}
					state := "clean"
					if dirty {
						state = "dirty"
					}
					fmt.Printf("current version: %d (%s)\n", version, state)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "history",
			Short: "list the embedded migration files",
			RunE: func(cmd *cobra.Command, args []string) error {
				names, err := migrations.History()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "stamp <version>",
			Short: "force the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return withDB(func(db *sql.DB) error {
					return migrations.Force(db, version)
				})
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRevision writes an empty up/down pair numbered after the highest
// existing revision.
func newRevision(dir, name string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	next := 1
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "%04d_", &n); err == nil && n >= next {
			next = n + 1
		}
	}
	for _, suffix := range []string{"up", "down"} {
		path := fmt.Sprintf("%s/%04d_%s.%s.sql", dir, next, name, suffix)
		if err := os.WriteFile(path, []byte("-- "+name+" ("+suffix+")\n"), 0o644); err != nil {
			return err
		}
		fmt.Println("created", path)
	}
	return nil
}
