package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/masq"
	"github.com/urfave/cli/v3"

	"wearable-sync/internal/app"
	"wearable-sync/internal/config"
	"wearable-sync/internal/domain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

type env struct {
	log *slog.Logger
	cfg config.Config
}

func newCommand() *cli.Command {
	var e env

	return &cli.Command{
		Name:  "wearable-sync",
		Usage: "Sync Ultrahuman wearable data into a relational store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file", Sources: cli.EnvVars("WEARABLE_SYNC_CONFIG")},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := slog.LevelInfo
			if cmd.Bool("verbose") {
				level = slog.LevelDebug
			}
			e.log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level:       level,
				ReplaceAttr: masq.New(masq.WithTag("secret")),
			}))
			slog.SetDefault(e.log)

			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return ctx, err
			}
			e.cfg = cfg
			e.log.Debug("config loaded", slog.Any("config", cfg))
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "sync a user's days once, or every local midnight with --daily",
				Flags: []cli.Flag{
					userFlag(),
					&cli.StringFlag{Name: "from", Usage: "first day, YYYY-MM-DD (default: --to minus SYNC_DEFAULT_DAYS)"},
					&cli.StringFlag{Name: "to", Usage: "last day inclusive, YYYY-MM-DD (default: yesterday)"},
					&cli.IntFlag{Name: "workers", Usage: "days processed concurrently (overrides SYNC_WORKERS)"},
					&cli.BoolFlag{Name: "daily", Usage: "run at local midnight each day (uses SYNC_TZ)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.IsSet("workers") {
						cfg, err := withWorkers(e.cfg, int(cmd.Int("workers")))
						if err != nil {
							return err
						}
						e.cfg = cfg
					}
					a, err := app.New(ctx, e.log, e.cfg)
					if err != nil {
						return err
					}
					defer a.Close()

					if cmd.Bool("daily") {
						return runDaily(ctx, e, a, cmd.String("user"))
					}
					rng, err := a.ParseRange(cmd.String("from"), cmd.String("to"))
					if err != nil {
						return err
					}
					run, err := a.Sync(ctx, cmd.String("user"), rng)
					if run != nil {
						printJSON(run)
					}
					return err
				},
			},
			{
				Name:  "serve",
				Usage: "serve /healthz, /sync and /metrics",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "listen address (overrides HTTP_ADDR)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := app.New(ctx, e.log, e.cfg)
					if err != nil {
						return err
					}
					defer a.Close()

					addr := e.cfg.HTTP.Addr
					if v := cmd.String("addr"); v != "" {
						addr = v
					}
					return serve(ctx, e.log, a.HTTPServer(addr))
				},
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations and exit",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					gw, err := app.OpenGateway(ctx, e.log, e.cfg)
					if err != nil {
						return err
					}
					e.log.Info("migrations applied", slog.String("driver", e.cfg.Store.Driver))
					return gw.Close()
				},
			},
			{
				Name:  "auth-url",
				Usage: "print the consent URL a user must open",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "state", Usage: "opaque state echoed on callback (default: random)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := app.New(ctx, e.log, e.cfg)
					if err != nil {
						return err
					}
					defer a.Close()
					u, state := a.AuthCodeURL(cmd.String("state"))
					fmt.Println(u)
					e.log.Info("verify this state on callback", slog.String("state", state))
					return nil
				},
			},
			{
				Name:  "connect",
				Usage: "exchange an authorization code and store the connection",
				Flags: []cli.Flag{
					userFlag(),
					&cli.StringFlag{Name: "code", Usage: "authorization code from the callback", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := app.New(ctx, e.log, e.cfg)
					if err != nil {
						return err
					}
					defer a.Close()
					conn, err := a.Connect(ctx, cmd.String("user"), cmd.String("code"))
					if err != nil {
						return err
					}
					e.log.Info("connected",
						slog.String("connection", conn.Key().String()),
						slog.String("provider_user_id", conn.ProviderUserID),
						slog.Time("expires_at", conn.ExpiresAt),
						slog.Any("conn", conn))
					return nil
				},
			},
			{
				Name:  "profile",
				Usage: "print the provider profile of a connected user",
				Flags: []cli.Flag{userFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := app.New(ctx, e.log, e.cfg)
					if err != nil {
						return err
					}
					defer a.Close()
					p, err := a.Profile(ctx, cmd.String("user"))
					if err != nil {
						return err
					}
					printJSON(p)
					return nil
				},
			},
		},
	}
}

func userFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "user", Usage: "backend user id", Required: true}
}

// runDaily syncs the previous local day every midnight until ctx is done.
func runDaily(ctx context.Context, e env, a *app.App, user string) error {
	loc := e.cfg.Location()
	e.log.Info("starting daily sync at midnight", slog.String("tz", loc.String()), slog.String("user", user))
	for {
		next := nextMidnight(time.Now().In(loc))
		dur := time.Until(next)
		e.log.Info("sleeping until next midnight", slog.Time("next", next), slog.Duration("sleep", dur))
		select {
		case <-ctx.Done():
			e.log.Info("shutting down")
			return nil
		case <-time.After(dur):
			day := next.AddDate(0, 0, -1).Format(domain.DayLayout)
			rng, err := a.ParseRange(day, day)
			if err != nil {
				return err
			}
			run, err := a.Sync(ctx, user, rng)
			switch {
			case errors.Is(err, domain.ErrPermission):
				// reauthorization is needed; further nights would fail the same way
				return err
			case err != nil:
				e.log.Error("daily sync failed", slog.String("date", day), slog.String("error", err.Error()))
			default:
				e.log.Info("daily sync completed", slog.String("date", day), slog.String("state", string(run.State)))
			}
		}
	}
}

func serve(ctx context.Context, log *slog.Logger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// nextMidnight returns the next midnight after t in t's location.
// withWorkers applies the --workers override under the same bounds as SYNC_WORKERS.
func withWorkers(cfg config.Config, n int) (config.Config, error) {
	cfg.Sync.Workers = n
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("--workers: %w", err)
	}
	return cfg, nil
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
