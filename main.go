package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"sqlagent/internal/config"
	"sqlagent/internal/ingest"
	"sqlagent/internal/llm"
	"sqlagent/internal/logging"
	"sqlagent/internal/store"
)

const version = "1.0.0"

func main() {
	cmd := &cli.Command{
		Name:    "sqlagent",
		Usage:   "natural language SQL agent over one database table",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "",
				Usage: "YAML config file, environment variables override it",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded into the environment if present",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "",
				Usage: "debug, info, warn or error (default: LOG_LEVEL or info)",
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			initDBCmd(),
			ingestCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the process logger. The
// returned function closes the error log file.
func setup(cmd *cli.Command) (config.Config, func(), error) {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env-file"))
	if err != nil {
		return cfg, nil, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	cleanup, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir})
	if err != nil {
		return cfg, nil, err
	}
	return cfg, func() { _ = cleanup() }, nil
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "",
				Usage: "listen address (default: LISTEN_ADDR or 0.0.0.0:8001)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, done, err := setup(cmd)
			if err != nil {
				return err
			}
			defer done()
			if addr := cmd.String("addr"); addr != "" {
				cfg.ListenAddr = addr
			}

			log := logging.For("main")
			log.Info("starting SQL agent API", "version", version)

			db, err := store.Open(ctx, cfg.DatabaseURL, cfg.Schema, cfg.TableName)
			if err != nil {
				return err
			}
			defer func() {
				log.Info("shutting down SQL agent API")
				db.Close()
			}()
			if err := db.Migrate(ctx); err != nil {
				log.Error("database initialization failed", "err", err)
			}

			provider, err := llm.New(cfg.LLMProvider, llm.Options{
				APIKey:  cfg.OpenAIAPIKey,
				BaseURL: cfg.OpenAIBaseURL,
				Model:   cfg.DefaultModel,
			})
			if err != nil {
				return err
			}

			return newServer(cfg, db, provider).run(ctx)
		},
	}
}

func initDBCmd() *cli.Command {
	return &cli.Command{
		Name:  "initdb",
		Usage: "create the service tables and exit",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "admin",
				Usage: "email of a registered user to promote to admin (repeatable)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, done, err := setup(cmd)
			if err != nil {
				return err
			}
			defer done()

			db, err := store.Open(ctx, cfg.DatabaseURL, cfg.Schema, cfg.TableName)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			return promoteAdmins(ctx, db, cmd.StringSlice("admin"))
		},
	}
}

// promoteAdmins grants the admin role to already registered users. Signup
// over HTTP only ever creates plain users.
func promoteAdmins(ctx context.Context, db *store.DB, emails []string) error {
	log := logging.For("main")
	for _, email := range emails {
		if err := db.SetRole(ctx, email, "admin"); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("promote %s: no such user", email)
			}
			return fmt.Errorf("promote %s: %w", email, err)
		}
		log.Info("user promoted to admin", "email", email)
	}
	return nil
}

func ingestCmd() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "load a CSV export into the target table",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Usage:    "CSV file to load",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "table",
				Value: "",
				Usage: "target table (default: TABLE_NAME)",
			},
			&cli.IntFlag{
				Name:  "batch",
				Value: ingest.DefaultBatchSize,
				Usage: "rows per insert transaction",
			},
			&cli.StringFlag{
				Name:  "mapping",
				Value: "",
				Usage: "YAML file mapping source headers to columns (default: built-in retail mapping)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, done, err := setup(cmd)
			if err != nil {
				return err
			}
			defer done()

			table := cfg.TableName
			if t := cmd.String("table"); t != "" {
				if !config.ValidIdentifier(t) {
					return fmt.Errorf("--table %q is not a plain identifier", t)
				}
				table = t
			}

			opts := ingest.Options{
				BatchSize: int(cmd.Int("batch")),
				Progress:  os.Stderr,
			}
			if path := cmd.String("mapping"); path != "" {
				if opts.Mapping, err = ingest.LoadMapping(path); err != nil {
					return err
				}
			}

			db, err := store.Open(ctx, cfg.DatabaseURL, cfg.Schema, table)
			if err != nil {
				return err
			}
			defer db.Close()

			rep, err := ingest.File(ctx, db, cmd.String("file"), opts)
			if err != nil {
				return err
			}
			logging.For("ingest").Info(rep.String(), "table", cfg.Schema+"."+table)
			return nil
		},
	}
}
