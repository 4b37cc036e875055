package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jordanhubbard/foundry/pkg/models"
)

// ErrKeyNotFound is returned when no API key row matches.
var ErrKeyNotFound = fmt.Errorf("api key not found")

// InsertAPIKey stores a new API key record. Only the bcrypt hash is kept.
func (d *Database) InsertAPIKey(k *models.APIKey) error {
	query := rebind(`
		INSERT INTO api_keys (id, name, key_hash, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := d.db.Exec(query, k.ID, k.Name, k.Hash, k.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert api key %s: %w", k.ID, err)
	}
	return nil
}

// GetAPIKey retrieves one API key by id.
func (d *Database) GetAPIKey(id string) (*models.APIKey, error) {
	query := rebind(`
		SELECT id, name, key_hash, created_at, last_used_at
		FROM api_keys WHERE id = ?`)
	var k models.APIKey
	var lastUsed sql.NullTime
	err := d.db.QueryRow(query, id).Scan(&k.ID, &k.Name, &k.Hash, &k.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load api key %s: %w", id, err)
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return &k, nil
}

// TouchAPIKey records key usage.
func (d *Database) TouchAPIKey(id string, at time.Time) error {
	query := rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`)
	if _, err := d.db.Exec(query, at, id); err != nil {
		return fmt.Errorf("failed to touch api key %s: %w", id, err)
	}
	return nil
}
