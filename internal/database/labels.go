package database

import (
	"context"
	"fmt"
)

// SetLabel stores the provider label mapping for one label key.
func (db *DB) SetLabel(ctx context.Context, accountID int64, key, providerID, providerName string) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO account_labels (account_id, label_key, provider_label_id, provider_label_name)
         VALUES (?, ?, ?, ?)`,
		accountID, key, providerID, providerName,
	)
	if err != nil {
		return fmt.Errorf("failed to set label: %w", err)
	}
	return nil
}

// GetLabels returns {label_key: provider_label_id} for an account.
func (db *DB) GetLabels(ctx context.Context, accountID int64) (map[string]string, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT label_key, provider_label_id FROM account_labels WHERE account_id = ?`, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get labels: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		out[key] = id
	}
	return out, rows.Err()
}

// GetLabelNames returns {label_key: provider_label_name} for an account.
// The names feed the full reconciliation exclusion query.
func (db *DB) GetLabelNames(ctx context.Context, accountID int64) (map[string]string, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT label_key, provider_label_name FROM account_labels WHERE account_id = ?`, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get label names: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, name string
		if err := rows.Scan(&key, &name); err != nil {
			return nil, fmt.Errorf("failed to scan label name: %w", err)
		}
		out[key] = name
	}
	return out, rows.Err()
}
