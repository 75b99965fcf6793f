// Package reputation tracks operator history and derives tiers from it.
// Tiers gate fleet features and monthly network-order volume; an
// explicit override (a paid plan) beats the computed tier.
package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Tier promotion thresholds. Computed from completed jobs and success
// rate over the operator's whole history.
const (
	makerMinCompleted    = 10
	makerMinSuccessRate  = 0.80
	businessMinCompleted = 100
	businessMinSuccess   = 0.95
)

// Profile is an operator's aggregated standing.
type Profile struct {
	Email         string  `json:"email"`
	CompletedJobs int     `json:"completed_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
	SuccessRate   float64 `json:"success_rate"`
	AvgRating     float64 `json:"avg_rating"`
	RatingCount   int     `json:"rating_count"`
	Tier          TierID  `json:"tier"`
}

// Service owns operator profiles and the monthly network-order counters.
type Service struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides time for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates the service and runs its migrations.
func NewService(db *sql.DB, opts ...Option) (*Service, error) {
	s := &Service{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS operators (
			email         TEXT PRIMARY KEY,
			completed     INTEGER NOT NULL DEFAULT 0,
			failed        INTEGER NOT NULL DEFAULT 0,
			rating_sum    INTEGER NOT NULL DEFAULT 0,
			rating_count  INTEGER NOT NULL DEFAULT 0,
			tier_override TEXT
		);
		CREATE TABLE IF NOT EXISTS network_orders (
			email TEXT NOT NULL,
			month TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (email, month)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate reputation tables: %w", err)
	}
	return nil
}

func (s *Service) ensureOperator(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO operators (email) VALUES (?)`, email)
	if err != nil {
		return fmt.Errorf("failed to create operator %s: %w", email, err)
	}
	return nil
}

// RecordOutcome adds one finished job to the operator's history.
func (s *Service) RecordOutcome(ctx context.Context, email string, success bool) error {
	if email == "" {
		return fault.New(fault.KindValidation, "reputation: email is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOperator(ctx, email); err != nil {
		return err
	}
	column := "failed"
	if success {
		column = "completed"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE operators SET `+column+` = `+column+` + 1 WHERE email = ?`, email)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", email, err)
	}
	return nil
}

// RecordRating adds one 1..5 feedback rating.
func (s *Service) RecordRating(ctx context.Context, email string, rating int) error {
	if email == "" {
		return fault.New(fault.KindValidation, "reputation: email is required")
	}
	if rating < 1 || rating > 5 {
		return fault.Newf(fault.KindValidation, "reputation: rating %d outside 1..5", rating)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOperator(ctx, email); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE operators SET rating_sum = rating_sum + ?, rating_count = rating_count + 1
		WHERE email = ?
	`, rating, email)
	if err != nil {
		return fmt.Errorf("failed to record rating for %s: %w", email, err)
	}
	return nil
}

// SetTierOverride pins an operator to a tier, e.g. a paid plan. Empty
// id clears the override.
func (s *Service) SetTierOverride(ctx context.Context, email string, id TierID) error {
	if id != "" && GetTier(id) == nil {
		return fault.Newf(fault.KindValidation, "reputation: unknown tier %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOperator(ctx, email); err != nil {
		return err
	}
	var override any
	if id != "" {
		override = string(id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE operators SET tier_override = ? WHERE email = ?`, override, email)
	if err != nil {
		return fmt.Errorf("failed to set tier override for %s: %w", email, err)
	}
	return nil
}

// Profile returns the operator's standing. Unknown operators get a
// zero-history hobbyist profile rather than an error.
func (s *Service) Profile(ctx context.Context, email string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profileLocked(ctx, email)
}

func (s *Service) profileLocked(ctx context.Context, email string) (*Profile, error) {
	p := &Profile{Email: email, Tier: TierHobbyist}
	var ratingSum int
	var override sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT completed, failed, rating_sum, rating_count, tier_override
		FROM operators WHERE email = ?
	`, email).Scan(&p.CompletedJobs, &p.FailedJobs, &ratingSum, &p.RatingCount, &override)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operator %s: %w", email, err)
	}

	if total := p.CompletedJobs + p.FailedJobs; total > 0 {
		p.SuccessRate = float64(p.CompletedJobs) / float64(total)
	}
	if p.RatingCount > 0 {
		p.AvgRating = float64(ratingSum) / float64(p.RatingCount)
	}
	p.Tier = computeTier(p)
	if override.Valid {
		p.Tier = TierID(override.String)
	}
	return p, nil
}

func computeTier(p *Profile) TierID {
	switch {
	case p.CompletedJobs >= businessMinCompleted && p.SuccessRate >= businessMinSuccess:
		return TierBusiness
	case p.CompletedJobs >= makerMinCompleted && p.SuccessRate >= makerMinSuccessRate:
		return TierMaker
	default:
		return TierHobbyist
	}
}

// TierFor returns the operator's effective tier.
func (s *Service) TierFor(ctx context.Context, email string) (Tier, error) {
	p, err := s.Profile(ctx, email)
	if err != nil {
		return Tier{}, err
	}
	t := GetTier(p.Tier)
	if t == nil {
		return Hobbyist, nil
	}
	return *t, nil
}

// AllowNetworkOrder enforces the tier's monthly network-order cap and,
// when allowed, reserves the slot. Calendar months are UTC.
func (s *Service) AllowNetworkOrder(ctx context.Context, email string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.profileLocked(ctx, email)
	if err != nil {
		return false, "", err
	}
	tier := GetTier(p.Tier)
	if tier == nil {
		tier = &Hobbyist
	}
	limit := tier.Limits.MonthlyNetworkOrders
	month := s.clock().UTC().Format("2006-01")

	if !IsUnlimited(limit) {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT count FROM network_orders WHERE email = ? AND month = ?`, email, month,
		).Scan(&count)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, "", fmt.Errorf("failed to read network order count for %s: %w", email, err)
		}
		if count >= limit {
			return false, fmt.Sprintf("monthly network order limit reached (%d/%d on %s tier)",
				count, limit, tier.Name), nil
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO network_orders (email, month, count) VALUES (?, ?, 1)
		ON CONFLICT(email, month) DO UPDATE SET count = count + 1
	`, email, month)
	if err != nil {
		return false, "", fmt.Errorf("failed to reserve network order slot for %s: %w", email, err)
	}
	return true, "", nil
}
