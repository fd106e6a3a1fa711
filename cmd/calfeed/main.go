package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"calfeed/internal/auth"
	"calfeed/internal/config"
	"calfeed/internal/feed"
	"calfeed/internal/google"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/poller"
	"calfeed/internal/web"
)

const version = "0.1.0"

func main() {
	// Load .env first; a missing file is fine.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "calfeed",
		Usage:   "Resolve, fetch and serve calendar feeds.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/calfeed/config.yaml",
				Usage:   "path to config file (created with defaults if missing)",
				EnvVars: []string{"CALFEED_CONFIG"},
			},
			&cli.StringFlag{Name: "log-level", Usage: "override log level (debug, info, warn, error)"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			fetchCommand(),
			resolveCommand(),
			authCommand(),
			calendarsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("calfeed failed", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config and configures logging from it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	appLog.Configure(os.Stderr, cfg.LogFormat, appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// pipeline holds the shared fetch pipeline built from a config.
type pipeline struct {
	health *feed.HealthTracker
	gate   *auth.OAuthGate
	loader *feed.Loader
}

func buildPipeline(cfg *config.Config) (*pipeline, error) {
	loc, err := cfg.FloatingLocation()
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		health: feed.NewHealthTracker(cfg.Fetch.FailureThreshold, cfg.Fetch.Cooldown),
	}

	var gate feed.TokenGate
	if cfg.Google != nil {
		p.gate, err = newGate(cfg)
		if err != nil {
			return nil, err
		}
		gate = p.gate
	}

	var relay feed.Relay
	if cfg.RelayURL != "" {
		relay = feed.NewRelayClient(cfg.RelayURL, cfg.RelayAPIKey, cfg.Fetch.RelayTimeout)
	}

	fetcher := feed.NewFetcher(feed.FetcherConfig{
		Timeout:  cfg.Fetch.Timeout,
		Attempts: cfg.Fetch.Attempts,
		Health:   p.health,
		Relay:    relay,
		Gate:     gate,
		CacheDir: cfg.CacheDir,
	})
	p.loader = feed.NewLoader(fetcher, gate, ics.Parser{Floating: loc})
	return p, nil
}

func newGate(cfg *config.Config) (*auth.OAuthGate, error) {
	if cfg.Google == nil {
		return nil, errors.New("google client_id/client_secret are not configured")
	}
	return auth.NewOAuthGate(auth.GoogleConfig(cfg.Google.ClientID, cfg.Google.ClientSecret), cfg.Google.TokenFile)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, relay and pollers.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config if set)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if l := c.String("listen"); l != "" {
				cfg.Listen = l
			}

			p, err := buildPipeline(cfg)
			if err != nil {
				return err
			}

			appLog.Info("calfeed starting",
				"version", version,
				"listen", cfg.Listen,
				"relay", cfg.RelayURL != "",
				"cache_dir", cfg.CacheDir,
				"pinned_feeds", len(cfg.Feeds),
				"google", cfg.Google != nil,
			)

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			registry := poller.NewRegistry(p.loader, poller.Options{
				Interval:       cfg.Poll.Interval,
				MinGap:         cfg.Poll.MinGap,
				RetryDelay:     cfg.Poll.RetryDelay,
				InitialRetries: cfg.Poll.InitialRetries,
			}, cfg.Poll.IdleTTL)
			defer registry.Close()

			for _, f := range cfg.Feeds {
				id, err := registry.Pin(f.URL)
				if err != nil {
					appLog.Error("pinned feed rejected", err, "id", f.ID)
					continue
				}
				appLog.Info("pinned feed subscribed", "id", f.ID, "name", f.Name, "subscription", id)
			}

			sched := cron.New()
			if _, err := sched.AddFunc(cfg.MaintenanceCron, func() {
				reaped := registry.ReapIdle()
				swept := p.health.Sweep()
				appLog.Debug("maintenance run", "reaped", reaped, "swept", swept, "subscriptions", registry.Len())
			}); err != nil {
				return fmt.Errorf("schedule maintenance: %w", err)
			}
			sched.Start()
			defer func() { <-sched.Stop().Done() }()

			opts := web.Options{
				Registry: registry,
				Health:   p.health,
				Upstream: &http.Client{Timeout: cfg.Fetch.Timeout},
			}
			if p.gate != nil {
				gate := p.gate
				opts.Calendars = func(ctx context.Context) ([]google.FeedCandidate, error) {
					svc, err := google.NewService(ctx, gate.Client(ctx))
					if err != nil {
						return nil, err
					}
					return google.ListFeeds(ctx, svc)
				}
			}

			err = web.NewServer(cfg, opts).Run(ctx)
			appLog.Info("calfeed exiting")
			return err
		},
	}
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Fetch one feed once and print its events as JSON.",
		ArgsUsage: "<calendar-url>",
		Action: func(c *cli.Context) error {
			raw := c.Args().First()
			if raw == "" {
				return errors.New("calendar url is required")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			p, err := buildPipeline(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := p.loader.Load(ctx, raw)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Validate a calendar link and print its canonical ICS URL.",
		ArgsUsage: "<calendar-url>",
		Action: func(c *cli.Context) error {
			raw := strings.TrimSpace(c.Args().First())
			if err := feed.ValidateFeedURL(raw); err != nil {
				return err
			}
			fmt.Println(feed.Canonicalize(raw))
			return nil
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize access to your Google calendars and store the token.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			gate, err := newGate(cfg)
			if err != nil {
				return err
			}

			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", gate.AuthCodeURL("state-token"))
			fmt.Print("Enter Authorization Code: ")
			code, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			code = strings.TrimSpace(code)
			if code == "" {
				return errors.New("no authorization code entered")
			}

			if err := gate.Exchange(c.Context, code); err != nil {
				return err
			}
			appLog.Info("token saved", "file", cfg.Google.TokenFile)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List your Google calendars with their feed URLs.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			gate, err := newGate(cfg)
			if err != nil {
				return err
			}
			if !gate.IsTokenUsable(c.Context) && !gate.RefreshToken(c.Context) {
				return feed.ErrAuthExpired
			}

			svc, err := google.NewService(c.Context, gate.Client(c.Context))
			if err != nil {
				return err
			}
			list, err := google.ListFeeds(c.Context, svc)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SUMMARY\tPRIMARY\tFEED URL")
			for _, cand := range list {
				fmt.Fprintf(tw, "%s\t%t\t%s\n", cand.Summary, cand.Primary, cand.FeedURL)
			}
			return tw.Flush()
		},
	}
}
