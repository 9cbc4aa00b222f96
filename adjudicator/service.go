package adjudicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrForbidden = errors.New("adjudicator: forbidden")

// Record mirrors the recognized_adjudicators table. Recognition drives the
// system-backed accountability tier; unrecognized adjudicators can still be
// assigned to units.
type Record struct {
	ID           string
	RecognizedBy string
	RecognizedAt time.Time
}

// Service maintains the system-wide registry of recognized adjudicators.
type Service struct {
	pool *pgxpool.Pool
	caps *Registry
}

func NewService(pool *pgxpool.Pool, caps *Registry) *Service {
	return &Service{pool: pool, caps: caps}
}

type RecognizeParams struct {
	AdjudicatorID string
	ActorID       string
	ActorRole     string
}

// Recognize adds an adjudicator to the system-wide registry. Council only;
// idempotent recognition fails so operators notice duplicated governance.
func (s *Service) Recognize(ctx context.Context, params RecognizeParams) (Record, error) {
	if params.ActorRole != "council" {
		return Record{}, ErrForbidden
	}
	if _, err := s.caps.Lookup(params.AdjudicatorID); err != nil {
		return Record{}, err
	}

	const query = `
		INSERT INTO recognized_adjudicators (id, recognized_by)
		VALUES ($1, $2)
		RETURNING id, recognized_by, recognized_at
	`
	var rec Record
	err := s.pool.QueryRow(ctx, query, params.AdjudicatorID, params.ActorID).
		Scan(&rec.ID, &rec.RecognizedBy, &rec.RecognizedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, fmt.Errorf("adjudicator: already recognized")
		}
		return Record{}, fmt.Errorf("adjudicator: recognize: %w", err)
	}
	return rec, nil
}

func (s *Service) IsRecognized(ctx context.Context, adjudicatorID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM recognized_adjudicators WHERE id = $1)`,
		adjudicatorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("adjudicator: check recognized: %w", err)
	}
	return exists, nil
}
