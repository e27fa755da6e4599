// Command pagecached serves object pages through the full-page cache and
// exposes the versioned object store over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/urfave/cli/v3"

	"github.com/jonwraymond/pagecache/config"
)

var version = "dev"

func main() {
	os.Exit(run(context.Background(), os.Args))
}

func run(ctx context.Context, args []string) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "pagecached",
		Usage:   "full-page response cache and versioned object store",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				Sources: cli.EnvVars("PAGECACHE_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server",
				Action: serveAction,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "listen address, overrides server.addr"},
				},
			},
			{
				Name:   "check",
				Usage:  "load and validate the configuration",
				Action: checkAction,
			},
			{
				Name:      "prune",
				Usage:     "delete versions outside the retention policy",
				ArgsUsage: "OBJECT_ID...",
				Action:    pruneAction,
			},
		},
	}
}

func loadConfig(ctx context.Context, cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(ctx, cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	if addr := cmd.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close(context.WithoutCancel(ctx))
	return svc.serve(ctx)
}

func checkAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	classes, err := cfg.BuildClasses()
	if err != nil {
		return err
	}

	storage := cfg.Storage.Path
	if storage == "" {
		storage = "memory"
	}
	w := cmd.Root().Writer
	fmt.Fprintf(w, "listen:   %s\n", cfg.Server.Addr)
	fmt.Fprintf(w, "cache:    %s\n", cfg.Cache.Backend)
	fmt.Fprintf(w, "storage:  %s\n", storage)
	fmt.Fprintf(w, "lifetime: %s\n", cfg.FullPage.Lifetime())
	fmt.Fprintf(w, "classes:  %s\n", humanize.Comma(int64(len(classes))))
	fmt.Fprintln(w, "configuration ok")
	return nil
}

func pruneAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() == 0 {
		return fmt.Errorf("prune: at least one object id is required")
	}
	ids := make([]int64, 0, cmd.NArg())
	for _, arg := range cmd.Args().Slice() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("prune: invalid object id %q", arg)
		}
		ids = append(ids, id)
	}

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close(context.WithoutCancel(ctx))

	w := cmd.Root().Writer
	total := 0
	for _, id := range ids {
		n, err := svc.store.PruneVersions(ctx, id)
		if err != nil {
			return fmt.Errorf("prune %d: %w", id, err)
		}
		total += n
		fmt.Fprintf(w, "object %d: %s removed\n", id, english.Plural(n, "version", ""))
	}
	fmt.Fprintf(w, "%s removed in total\n", english.Plural(total, "version", ""))
	return nil
}
