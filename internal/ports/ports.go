package ports

import (
	"context"
	"encoding/json"
	"time"

	"wearable-sync/internal/domain"
)

// ProviderClient fetches raw data from the wearable provider's REST API.
// Errors are classified with the domain taxonomy (ErrAuth, ErrPermission, ErrNoData, ErrTransient, ErrProtocol).
type ProviderClient interface {
	FetchDailyMetrics(ctx context.Context, cred domain.Credential, day time.Time) (json.RawMessage, error)
	FetchUserProfile(ctx context.Context, cred domain.Credential) (domain.Profile, error)
}

// Credentials hands out valid access credentials for a connection.
type Credentials interface {
	ValidCredential(ctx context.Context, conn domain.UserConnection) (domain.Credential, error)
	// Refresh forces a refresh after the provider rejected the given credential.
	Refresh(ctx context.Context, conn domain.UserConnection, rejected domain.Credential) (domain.Credential, error)
}

// Normalizer maps one day's raw payload into canonical records.
type Normalizer interface {
	Normalize(day time.Time, raw []byte) ([]domain.Record, error)
}

// ConnectionStore keeps the single connection per (user, provider).
type ConnectionStore interface {
	GetConnection(ctx context.Context, key domain.ConnectionKey) (domain.UserConnection, error)
	SaveConnection(ctx context.Context, conn domain.UserConnection) error
}

// RecordStore persists canonical records idempotently.
// UpsertDay writes a whole day or nothing; failures wrap domain.ErrPersistence.
type RecordStore interface {
	UpsertDay(ctx context.Context, key domain.ConnectionKey, day time.Time, batch domain.Batch) error
	Query(ctx context.Context, key domain.ConnectionKey, rng domain.DateRange, kind domain.RecordKind) ([]domain.Record, error)
}

// Gateway is the full persistence surface a store adapter provides.
type Gateway interface {
	ConnectionStore
	RecordStore
	Close() error
}

// RunReporter publishes a finished sync run somewhere outside the process.
type RunReporter interface {
	Report(ctx context.Context, run *domain.SyncRun) error
}
