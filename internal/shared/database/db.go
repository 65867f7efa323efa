// Package database holds the Postgres store. Every provider-key query takes
// a group ID; there is no organization-wide credential lookup.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

const apiKeyColumns = `
	id, group_id, key_hash, key_prefix, name, COALESCE(encrypted_key, ''),
	provider_key_overrides, rate_limit_per_minute, revoked_at, last_used_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var (
		key       models.APIKey
		overrides []byte
	)
	err := row.Scan(
		&key.ID,
		&key.GroupID,
		&key.KeyHash,
		&key.KeyPrefix,
		&key.Name,
		&key.EncryptedKey,
		&overrides,
		&key.RateLimitPerMinute,
		&key.RevokedAt,
		&key.LastUsedAt,
		&key.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &key.ProviderKeyOverrides); err != nil {
			return nil, fmt.Errorf("decode provider_key_overrides: %w", err)
		}
	}
	return &key, nil
}

// GetAPIKeyByHash looks a key up by the hash of its full value. Revoked keys
// are returned; callers decide.
func (db *DB) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`
	return scanAPIKey(db.conn.QueryRowContext(ctx, query, keyHash))
}

// GetAPIKey retrieves a key by ID
func (db *DB) GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`
	return scanAPIKey(db.conn.QueryRowContext(ctx, query, keyID))
}

// CreateAPIKey inserts a new key
func (db *DB) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	overrides, err := json.Marshal(key.ProviderKeyOverrides)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO api_keys (
			id, group_id, key_hash, key_prefix, name, encrypted_key,
			provider_key_overrides, rate_limit_per_minute, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = db.conn.ExecContext(ctx, query,
		key.ID,
		key.GroupID,
		key.KeyHash,
		key.KeyPrefix,
		key.Name,
		key.EncryptedKey,
		overrides,
		key.RateLimitPerMinute,
		key.CreatedAt,
	)
	return err
}

// RevokeAPIKey sets revoked_at once. It reports whether a row changed.
func (db *DB) RevokeAPIKey(ctx context.Context, keyID string, at time.Time) (bool, error) {
	query := `UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`
	res, err := db.conn.ExecContext(ctx, query, keyID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchAPIKey updates the last_used_at timestamp
func (db *DB) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, keyID, at)
	return err
}

// GetGroup retrieves a group by ID
func (db *DB) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	query := `
		SELECT id, organization_id, name, is_default, created_at
		FROM groups
		WHERE id = $1
	`
	var g models.Group
	err := db.conn.QueryRowContext(ctx, query, groupID).Scan(
		&g.ID,
		&g.OrganizationID,
		&g.Name,
		&g.IsDefault,
		&g.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &g, nil
}

// ListProviderKeys returns the group's non-revoked keys under active
// accounts, oldest first
func (db *DB) ListProviderKeys(ctx context.Context, groupID string) ([]models.ProviderKey, error) {
	query := `
		SELECT pk.id, pk.provider_account_id, pk.group_id, pa.provider_id, pk.name,
		       pk.encrypted_key, COALESCE(pk.key_suffix, ''), pk.is_default,
		       COALESCE(pk.last_test_status, ''), pk.last_tested_at, pk.created_at
		FROM provider_keys pk
		JOIN provider_accounts pa ON pa.id = pk.provider_account_id
		WHERE pk.group_id = $1
		  AND pa.group_id = $1
		  AND pa.is_active = true
		  AND pk.revoked_at IS NULL
		ORDER BY pk.created_at ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var keys []models.ProviderKey
	for rows.Next() {
		var k models.ProviderKey
		if err := rows.Scan(
			&k.ID,
			&k.ProviderAccountID,
			&k.GroupID,
			&k.ProviderID,
			&k.Name,
			&k.EncryptedKey,
			&k.KeySuffix,
			&k.IsDefault,
			&k.LastTestStatus,
			&k.LastTestedAt,
			&k.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListSealedProviderKeys returns every non-revoked provider key across all
// groups. It is used to check the vault key against stored ciphertexts.
func (db *DB) ListSealedProviderKeys(ctx context.Context) ([]models.ProviderKey, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, group_id, name, encrypted_key, COALESCE(key_suffix, '')
		FROM provider_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var keys []models.ProviderKey
	for rows.Next() {
		var k models.ProviderKey
		if err := rows.Scan(&k.ID, &k.GroupID, &k.Name, &k.EncryptedKey, &k.KeySuffix); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpsertProviderAccount returns the group's account for a provider, creating
// it when missing
func (db *DB) UpsertProviderAccount(ctx context.Context, acct *models.ProviderAccount) (*models.ProviderAccount, error) {
	query := `
		INSERT INTO provider_accounts (id, group_id, provider_id, name, is_active, created_at)
		VALUES ($1, $2, $3, $4, true, $5)
		ON CONFLICT (group_id, provider_id, name) DO UPDATE SET is_active = true
		RETURNING id, group_id, provider_id, name, is_active, created_at
	`
	var out models.ProviderAccount
	err := db.conn.QueryRowContext(ctx, query,
		acct.ID, acct.GroupID, acct.ProviderID, acct.Name, acct.CreatedAt,
	).Scan(&out.ID, &out.GroupID, &out.ProviderID, &out.Name, &out.IsActive, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &out, nil
}

// CreateProviderKey inserts an encrypted provider credential. A default key
// clears the previous default for the same account.
func (db *DB) CreateProviderKey(ctx context.Context, key *models.ProviderKey) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if key.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE provider_keys SET is_default = false WHERE group_id = $1 AND provider_account_id = $2`,
			key.GroupID, key.ProviderAccountID,
		); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO provider_keys (
			id, provider_account_id, group_id, name, encrypted_key, key_suffix,
			is_default, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, query,
		key.ID,
		key.ProviderAccountID,
		key.GroupID,
		key.Name,
		key.EncryptedKey,
		key.KeySuffix,
		key.IsDefault,
		key.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeProviderKey revokes a key within a group. It reports whether a row
// changed.
func (db *DB) RevokeProviderKey(ctx context.Context, groupID, keyID string, at time.Time) (bool, error) {
	query := `
		UPDATE provider_keys SET revoked_at = $3
		WHERE id = $1 AND group_id = $2 AND revoked_at IS NULL
	`
	res, err := db.conn.ExecContext(ctx, query, keyID, groupID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListModelPricing returns the whole pricing table
func (db *DB) ListModelPricing(ctx context.Context) ([]models.ModelPricing, error) {
	query := `
		SELECT provider, model, input_per_1k_tokens, output_per_1k_tokens,
		       COALESCE(cache_per_1k_tokens, 0), updated_at
		FROM model_pricing
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []models.ModelPricing
	for rows.Next() {
		var p models.ModelPricing
		if err := rows.Scan(
			&p.Provider,
			&p.Model,
			&p.InputPer1kTokens,
			&p.OutputPer1kTokens,
			&p.CachePer1kTokens,
			&p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertUsageLog writes one usage row in a single statement
func (db *DB) InsertUsageLog(ctx context.Context, log *models.UsageLog) error {
	query := `
		INSERT INTO usage_logs (
			id, request_id, api_key_id, provider_key_id, organization_id, group_id,
			capability, provider, model, input_tokens, output_tokens, reasoning_tokens,
			cache_tokens, cost_usd, pricing_unknown, latency_ms, app_id, status,
			status_code, error_message, fallback_used, attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		          $16, $17, $18, $19, $20, $21, $22, $23)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.ID,
		log.RequestID,
		log.APIKeyID,
		log.ProviderKeyID,
		log.OrganizationID,
		log.GroupID,
		log.Capability,
		log.Provider,
		log.Model,
		log.InputTokens,
		log.OutputTokens,
		log.ReasoningTokens,
		log.CacheTokens,
		log.CostUSD,
		log.PricingUnknown,
		log.LatencyMs,
		log.AppID,
		log.Status,
		log.StatusCode,
		log.ErrorMessage,
		log.FallbackUsed,
		log.Attempts,
		log.CreatedAt,
	)

	return err
}
