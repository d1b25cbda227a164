package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inboxpilot/internal/models"
)

// CreateAccount inserts a mailbox owner and fills in the generated ID.
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	result, err := db.db.ExecContext(ctx,
		`INSERT INTO accounts (email, display_name, is_active) VALUES (?, ?, ?)`,
		account.Email, account.DisplayName, account.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	account.ID = id
	return nil
}

func (db *DB) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	var a models.Account
	err := db.db.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(display_name, ''), is_active, onboarded_at, created_at
         FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Email, &a.DisplayName, &a.IsActive, &a.OnboardedAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return &a, nil
}

func (db *DB) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	err := db.db.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(display_name, ''), is_active, onboarded_at, created_at
         FROM accounts WHERE email = ?`, email,
	).Scan(&a.ID, &a.Email, &a.DisplayName, &a.IsActive, &a.OnboardedAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	return &a, nil
}

// GetActiveAccounts lists accounts the scheduler reconciles.
func (db *DB) GetActiveAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, email, COALESCE(display_name, ''), is_active, onboarded_at, created_at
         FROM accounts WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Email, &a.DisplayName, &a.IsActive, &a.OnboardedAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAccountOnboarded stamps the first successful full reconciliation.
func (db *DB) MarkAccountOnboarded(ctx context.Context, id int64) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE accounts SET onboarded_at = ? WHERE id = ?`, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark account onboarded: %w", err)
	}
	return nil
}
