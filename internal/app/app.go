package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"wearable-sync/internal/adapter/kafka"
	"wearable-sync/internal/adapter/memory"
	"wearable-sync/internal/adapter/sqlstore"
	"wearable-sync/internal/adapter/ultrahuman"
	"wearable-sync/internal/config"
	"wearable-sync/internal/domain"
	"wearable-sync/internal/migrate"
	"wearable-sync/internal/normalize"
	"wearable-sync/internal/ports"
	"wearable-sync/internal/token"
	"wearable-sync/internal/usecase"
)

const Provider = "ultrahuman"

// App wires adapters and use cases.
type App struct {
	log      *slog.Logger
	cfg      config.Config
	gateway  ports.Gateway
	tokens   *token.Manager
	provider ports.ProviderClient
	reporter *kafka.Reporter
	uc       *usecase.SyncUseCase
	now      func() time.Time

	running sync.Map // domain.ConnectionKey -> struct{}
}

// New opens the store, applies migrations and builds the sync pipeline.
func New(ctx context.Context, log *slog.Logger, cfg config.Config) (*App, error) {
	gw, err := OpenGateway(ctx, log, cfg)
	if err != nil {
		return nil, err
	}

	tokens := token.NewManager(token.OAuthConfig{
		Provider:     Provider,
		ClientID:     cfg.Ultrahuman.ClientID,
		ClientSecret: cfg.Ultrahuman.ClientSecret,
		RedirectURL:  cfg.Ultrahuman.RedirectURL,
		AuthURL:      cfg.Ultrahuman.AuthURL,
		TokenURL:     cfg.Ultrahuman.TokenURL,
		Scopes:       cfg.Ultrahuman.Scopes,
	}, gw,
		token.WithHTTPClient(&http.Client{Timeout: cfg.HTTP.Timeout.Std()}),
		token.WithMargin(cfg.Token.RefreshMargin.Std()),
		token.WithLogger(log),
	)

	client := ultrahuman.NewClient(cfg.Ultrahuman.APIBaseURL, ultrahuman.Options{
		Timeout:     cfg.HTTP.Timeout.Std(),
		MaxAttempts: cfg.HTTP.MaxAttempts,
		BackoffBase: cfg.HTTP.BackoffBase.Std(),
		BackoffMax:  cfg.HTTP.BackoffMax.Std(),
	}, log)

	a := &App{
		log:      log,
		cfg:      cfg,
		gateway:  gw,
		tokens:   tokens,
		provider: client,
		now:      time.Now,
	}
	a.uc = &usecase.SyncUseCase{
		Log:        log,
		Tokens:     tokens,
		Provider:   client,
		Normalizer: normalize.New(Provider),
		Store:      gw,
		Workers:    cfg.Sync.Workers,
	}
	if len(cfg.Kafka.Brokers) > 0 {
		a.reporter = kafka.NewReporter(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		a.uc.Reporter = a.reporter
	}
	return a, nil
}

// OpenGateway opens the configured store. SQL stores are migrated before use.
func OpenGateway(ctx context.Context, log *slog.Logger, cfg config.Config) (ports.Gateway, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory store; data is lost on exit")
		return memory.New(), nil
	}
	s, err := sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, log)
	if err != nil {
		return nil, goerr.Wrap(err, "open store", goerr.V("driver", cfg.Store.Driver))
	}
	if err := migrate.Run(ctx, s.DB(), s.Dialect().Name, log); err != nil {
		_ = s.Close()
		return nil, goerr.Wrap(err, "migrate store", goerr.V("driver", cfg.Store.Driver))
	}
	return s, nil
}

// DefaultRange is the range synced when the caller names none.
func (a *App) DefaultRange() domain.DateRange {
	return domain.DefaultRange(a.now(), a.cfg.Location(), a.cfg.Sync.DefaultDays)
}

// ParseRange reads YYYY-MM-DD bounds in the configured timezone. A missing "to" means yesterday;
// a missing "from" reaches back the default number of days from "to".
func (a *App) ParseRange(from, to string) (domain.DateRange, error) {
	loc := a.cfg.Location()
	rng := a.DefaultRange()
	end := rng.To
	if to != "" {
		d, err := domain.ParseDay(to, loc)
		if err != nil {
			return domain.DateRange{}, goerr.Wrap(domain.ErrInvalidRange, "parse to", goerr.V("to", to))
		}
		end = d
	}
	start := end.AddDate(0, 0, -(a.cfg.Sync.DefaultDays - 1))
	if from != "" {
		d, err := domain.ParseDay(from, loc)
		if err != nil {
			return domain.DateRange{}, goerr.Wrap(domain.ErrInvalidRange, "parse from", goerr.V("from", from))
		}
		start = d
	}
	return domain.NewDateRange(start, end, loc)
}

// Sync runs the orchestrator for one user. Only one sync per connection runs at a time.
func (a *App) Sync(ctx context.Context, userID string, rng domain.DateRange) (*domain.SyncRun, error) {
	key := domain.ConnectionKey{UserID: userID, Provider: Provider}
	if _, busy := a.running.LoadOrStore(key, struct{}{}); busy {
		return nil, goerr.Wrap(domain.ErrSyncRunning, "sync", goerr.V("connection", key.String()))
	}
	defer a.running.Delete(key)

	conn, err := a.gateway.GetConnection(ctx, key)
	if err != nil {
		return nil, err
	}
	return a.uc.Run(ctx, conn, rng)
}

// AuthCodeURL returns the consent URL and the state value to verify on callback.
func (a *App) AuthCodeURL(state string) (string, string) {
	if state == "" {
		state = uuid.NewString()
	}
	return a.tokens.AuthCodeURL(state), state
}

// Connect completes the authorization-code flow and records the provider's user id.
func (a *App) Connect(ctx context.Context, userID, code string) (domain.UserConnection, error) {
	conn, err := a.tokens.Exchange(ctx, userID, code)
	if err != nil {
		return conn, err
	}
	profile, err := a.provider.FetchUserProfile(ctx, conn.Credential())
	if err != nil {
		a.log.Warn("profile lookup after authorization failed", slog.String("user", userID), slog.String("error", err.Error()))
		return conn, nil
	}
	return a.tokens.Link(ctx, conn, profile.UserID)
}

// Profile fetches the provider profile of a connected user.
func (a *App) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	conn, err := a.gateway.GetConnection(ctx, domain.ConnectionKey{UserID: userID, Provider: Provider})
	if err != nil {
		return domain.Profile{}, err
	}
	cred, err := a.tokens.ValidCredential(ctx, conn)
	if err != nil {
		return domain.Profile{}, err
	}
	p, err := a.provider.FetchUserProfile(ctx, cred)
	if errors.Is(err, domain.ErrAuth) {
		if cred, err = a.tokens.Refresh(ctx, conn, cred); err == nil {
			p, err = a.provider.FetchUserProfile(ctx, cred)
		}
	}
	return p, err
}

// Close releases the store and the reporter.
func (a *App) Close() error {
	var errs []error
	if a.reporter != nil {
		errs = append(errs, a.reporter.Close())
	}
	errs = append(errs, a.gateway.Close())
	return errors.Join(errs...)
}
