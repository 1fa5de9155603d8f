package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
)

// ChallengeRepository stores challenge/solution pairs
type ChallengeRepository interface {
	Repository[domain.Challenge, string]
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type challengeRepositoryImpl struct {
	db     *sql.DB
	upsert string
}

// NewChallengeRepository creates a challenge repository for the given dialect
func NewChallengeRepository(db *sql.DB, dialect Dialect) ChallengeRepository {
	return &challengeRepositoryImpl{
		db: db,
		upsert: dialect.Upsert("challenge_solution", "challenge",
			[]string{"challenge", "solution", "tag", "created_at"},
			[]string{"solution", "tag", "created_at"}),
	}
}

// Save writes a challenge, replacing the solution of an existing one
func (r *challengeRepositoryImpl) Save(ctx context.Context, c domain.Challenge) (domain.Challenge, error) {
	if c.Challenge == "" || c.Solution == "" {
		return domain.Challenge{}, fmt.Errorf("%w: challenge and solution are required", ErrInvalidEntity)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	if _, err := r.db.ExecContext(ctx, r.upsert, c.Challenge, c.Solution, c.Tag, toMillis(c.CreatedAt)); err != nil {
		return domain.Challenge{}, fmt.Errorf("failed to save challenge: %w", err)
	}
	return c, nil
}

// FindByID looks up a challenge by its token
func (r *challengeRepositoryImpl) FindByID(ctx context.Context, challenge string) (domain.Challenge, error) {
	var (
		c       domain.Challenge
		created int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT challenge, solution, tag, created_at FROM challenge_solution WHERE challenge = ?", challenge).
		Scan(&c.Challenge, &c.Solution, &c.Tag, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Challenge{}, ErrNotFound
		}
		return domain.Challenge{}, fmt.Errorf("failed to find challenge: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	return c, nil
}

// FindAll returns every stored challenge, newest first
func (r *challengeRepositoryImpl) FindAll(ctx context.Context) ([]domain.Challenge, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT challenge, solution, tag, created_at FROM challenge_solution ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to find challenges: %w", err)
	}
	defer rows.Close()

	var challenges []domain.Challenge
	for rows.Next() {
		var (
			c       domain.Challenge
			created int64
		)
		if err := rows.Scan(&c.Challenge, &c.Solution, &c.Tag, &created); err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		c.CreatedAt = fromMillis(created)
		challenges = append(challenges, c)
	}
	return challenges, rows.Err()
}

// DeleteByID removes one challenge
func (r *challengeRepositoryImpl) DeleteByID(ctx context.Context, challenge string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM challenge_solution WHERE challenge = ?", challenge)
	if err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExistsByID checks whether a challenge token is known
func (r *challengeRepositoryImpl) ExistsByID(ctx context.Context, challenge string) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM challenge_solution WHERE challenge = ?", challenge).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check challenge existence: %w", err)
	}
	return count > 0, nil
}

// DeleteOlderThan drops challenges created before cutoff
func (r *challengeRepositoryImpl) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM challenge_solution WHERE created_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale challenges: %w", err)
	}
	return result.RowsAffected()
}
