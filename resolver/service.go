package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAlreadyRegistered = errors.New("resolver: already registered")
	ErrNotFound          = errors.New("resolver: not registered")
	ErrForbidden         = errors.New("resolver: forbidden")
)

// Service owns resolver registration and trust administration.
type Service struct {
	pool *pgxpool.Pool
	caps *Registry
	now  func() time.Time
}

func NewService(pool *pgxpool.Pool, caps *Registry) *Service {
	return &Service{pool: pool, caps: caps, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register is permissionless. It fails when the identity is already
// registered or when no executable module is bound to it.
func (s *Service) Register(ctx context.Context, resolverID, registeredBy string) (Record, error) {
	if resolverID == "" {
		return Record{}, fmt.Errorf("resolver: missing resolver id")
	}
	if _, err := s.caps.Lookup(resolverID); err != nil {
		return Record{}, err
	}

	const query = `
		INSERT INTO resolvers (id, trust, registered_by)
		VALUES ($1, 'basic', $2)
		RETURNING id, trust::text, registered_by, registered_at
	`
	var rec Record
	err := s.pool.QueryRow(ctx, query, resolverID, registeredBy).
		Scan(&rec.ID, &rec.Trust, &rec.RegisteredBy, &rec.RegisteredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyRegistered
		}
		return Record{}, fmt.Errorf("resolver: register: %w", err)
	}
	return rec, nil
}

type SetTrustParams struct {
	ResolverID string
	Level      TrustLevel
	ActorID    string
	ActorRole  string
}

// SetTrust mutates the trust level. Council only.
func (s *Service) SetTrust(ctx context.Context, params SetTrustParams) (Record, error) {
	if params.ActorRole != "council" {
		return Record{}, ErrForbidden
	}
	switch params.Level {
	case TrustNone, TrustBasic, TrustVerified, TrustSystem:
	default:
		return Record{}, fmt.Errorf("resolver: invalid trust level %q", params.Level)
	}

	const query = `
		UPDATE resolvers
		SET trust = $2::resolver_trust
		WHERE id = $1
		RETURNING id, trust::text, registered_by, registered_at
	`
	var rec Record
	err := s.pool.QueryRow(ctx, query, params.ResolverID, params.Level).
		Scan(&rec.ID, &rec.Trust, &rec.RegisteredBy, &rec.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("resolver: set trust: %w", err)
	}
	return rec, nil
}

func (s *Service) Get(ctx context.Context, resolverID string) (Record, error) {
	const query = `
		SELECT id, trust::text, registered_by, registered_at
		FROM resolvers
		WHERE id = $1
	`
	var rec Record
	err := s.pool.QueryRow(ctx, query, resolverID).
		Scan(&rec.ID, &rec.Trust, &rec.RegisteredBy, &rec.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("resolver: get: %w", err)
	}
	return rec, nil
}
