package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/battle-orchestrator/internal/holdings"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/shared/database"
	"github.com/jmoiron/sqlx"
)

// UserRepository is the SQL-backed holdings.UserRepository
type UserRepository struct {
	db      *sqlx.DB
	dialect database.Dialect
}

var _ holdings.UserRepository = (*UserRepository)(nil)

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{
		db:      db,
		dialect: database.DialectOf(db.DriverName()),
	}
}

type userRow struct {
	ID            string  `db:"id"`
	WalletAddress string  `db:"wallet_address"`
	TokenAmount   float64 `db:"token_amount"`
	Tier          string  `db:"tier"`
	UpdatedAt     int64   `db:"updated_at"`
}

// Create inserts a user with no verified holdings
func (r *UserRepository) Create(ctx context.Context, h holdings.UserHoldings) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO users (id, wallet_address, token_amount, tier, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), h.UserID, h.WalletAddress, h.Amount, string(h.Tier), h.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepository) Get(ctx context.Context, userID string) (*holdings.UserHoldings, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT id, wallet_address, token_amount, tier, updated_at FROM users WHERE id = ?
	`), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, job.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &holdings.UserHoldings{
		UserID:        row.ID,
		WalletAddress: row.WalletAddress,
		Amount:        row.TokenAmount,
		Tier:          holdings.Tier(row.Tier),
		UpdatedAt:     fromNanos(row.UpdatedAt),
	}, nil
}

// UpdateHoldings locks the user row, reads the stored tier and writes
// the new holdings in one transaction
func (r *UserRepository) UpdateHoldings(ctx context.Context, h holdings.UserHoldings) (holdings.Tier, error) {
	var previous string
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &previous, tx.Rebind(`SELECT tier FROM users WHERE id = ?`+lockClause(r.dialect)), h.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("user %s: %w", h.UserID, job.ErrNotFound)
			}
			return fmt.Errorf("failed to read current tier: %w", err)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE users
			SET wallet_address = ?, token_amount = ?, tier = ?, updated_at = ?
			WHERE id = ?
		`), h.WalletAddress, h.Amount, string(h.Tier), h.UpdatedAt.UnixNano(), h.UserID)
		if err != nil {
			return fmt.Errorf("failed to update holdings: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return holdings.Tier(previous), nil
}
