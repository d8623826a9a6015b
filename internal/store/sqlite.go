// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides device/pairing-code persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			device_id      TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			display_name   TEXT NOT NULL,
			platform       TEXT NOT NULL,
			arch           TEXT,
			public_key     BLOB NOT NULL,
			fingerprint    TEXT NOT NULL,
			device_token   TEXT NOT NULL,
			encrypt_c2s    BLOB NOT NULL,
			encrypt_s2c    BLOB NOT NULL,
			auth_key       BLOB NOT NULL,
			last_sequence  INTEGER NOT NULL DEFAULT 0,
			revoked        INTEGER NOT NULL DEFAULT 0,
			paired_at      DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_devices_user_id
			ON devices(user_id);

		CREATE TABLE IF NOT EXISTS pairing_codes (
			code        TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			created_at  DATETIME NOT NULL,
			expires_at  DATETIME NOT NULL,
			consumed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_pairing_codes_expires
			ON pairing_codes(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveDevice inserts or replaces a device record.
func (s *SQLiteStore) SaveDevice(ctx context.Context, device *Device) error {
	query := `
		INSERT OR REPLACE INTO devices (
			device_id, user_id, display_name, platform, arch,
			public_key, fingerprint, device_token,
			encrypt_c2s, encrypt_s2c, auth_key,
			last_sequence, revoked, paired_at, last_active_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		device.DeviceID, device.UserID, device.DisplayName, device.Platform, device.Arch,
		device.PublicKey, device.Fingerprint, device.DeviceToken,
		device.EncryptC2S, device.EncryptS2C, device.AuthKey,
		device.LastSequence, device.Revoked, device.PairedAt, device.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("saving device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by its ID.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	query := `
		SELECT device_id, user_id, display_name, platform, arch,
		       public_key, fingerprint, device_token,
		       encrypt_c2s, encrypt_s2c, auth_key,
		       last_sequence, revoked, paired_at, last_active_at
		FROM devices WHERE device_id = ?
	`
	return s.scanDevice(s.db.QueryRowContext(ctx, query, deviceID))
}

// ListDevicesForUser retrieves all devices paired by a user, newest first.
func (s *SQLiteStore) ListDevicesForUser(ctx context.Context, userID string) ([]*Device, error) {
	query := `
		SELECT device_id, user_id, display_name, platform, arch,
		       public_key, fingerprint, device_token,
		       encrypt_c2s, encrypt_s2c, auth_key,
		       last_sequence, revoked, paired_at, last_active_at
		FROM devices WHERE user_id = ? ORDER BY paired_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d := &Device{}
		var arch sql.NullString
		if err := rows.Scan(
			&d.DeviceID, &d.UserID, &d.DisplayName, &d.Platform, &arch,
			&d.PublicKey, &d.Fingerprint, &d.DeviceToken,
			&d.EncryptC2S, &d.EncryptS2C, &d.AuthKey,
			&d.LastSequence, &d.Revoked, &d.PairedAt, &d.LastActiveAt,
		); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		d.Arch = arch.String
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RevokeDevice marks a device revoked. The record is kept for audit.
func (s *SQLiteStore) RevokeDevice(ctx context.Context, deviceID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET revoked = 1 WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllDevices marks every device of the user revoked and returns
// the IDs of devices that were not already revoked.
func (s *SQLiteStore) RevokeAllDevices(ctx context.Context, userID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("revoking all devices: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT device_id FROM devices WHERE user_id = ? AND revoked = 0`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices to revoke: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning device id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing devices to revoke: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE devices SET revoked = 1 WHERE user_id = ?`, userID); err != nil {
		return nil, fmt.Errorf("revoking all devices: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("revoking all devices: %w", err)
	}
	return ids, nil
}

// UpdateSequence advances the replay counter. The WHERE clause makes
// the check-and-set atomic under concurrent connections.
func (s *SQLiteStore) UpdateSequence(ctx context.Context, deviceID string, seq uint64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_sequence = ?, last_active_at = ?
		 WHERE device_id = ? AND last_sequence < ?`,
		seq, time.Now().UTC(), deviceID, seq)
	if err != nil {
		return fmt.Errorf("updating sequence: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating sequence: %w", err)
	}
	if n == 0 {
		// Either the device is gone or another connection got there first.
		if _, err := s.GetDevice(ctx, deviceID); err != nil {
			return err
		}
		return ErrStaleSequence
	}
	return nil
}

// UpdateDeviceToken replaces the device's bearer credential.
func (s *SQLiteStore) UpdateDeviceToken(ctx context.Context, deviceID, token string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET device_token = ? WHERE device_id = ?`, token, deviceID)
	if err != nil {
		return fmt.Errorf("updating device token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating device token: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchDevice records activity on the device.
func (s *SQLiteStore) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_active_at = ? WHERE device_id = ?`, at.UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("touching device: %w", err)
	}
	return nil
}

// CreatePairingCode stores a fresh pairing code. INSERT OR IGNORE plus
// a rows-affected check turns the primary-key conflict into
// ErrCodeExists without depending on driver error types.
func (s *SQLiteStore) CreatePairingCode(ctx context.Context, code *PairingCode) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pairing_codes (code, user_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		code.Code, code.UserID, code.CreatedAt.UTC(), code.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("creating pairing code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("creating pairing code: %w", err)
	}
	if n == 0 {
		return ErrCodeExists
	}
	return nil
}

// ConsumePairingCode atomically claims a live code. The conditional
// UPDATE guarantees exactly one claimant wins a race.
func (s *SQLiteStore) ConsumePairingCode(ctx context.Context, code string, now time.Time) (*PairingCode, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pairing_codes SET consumed_at = ?
		 WHERE code = ? AND consumed_at IS NULL AND expires_at > ?`,
		now.UTC(), code, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("consuming pairing code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consuming pairing code: %w", err)
	}
	if n == 0 {
		return nil, s.classifyConsumeFailure(ctx, code, now)
	}

	pc := &PairingCode{}
	var consumedAt sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT code, user_id, created_at, expires_at, consumed_at
		 FROM pairing_codes WHERE code = ?`, code).
		Scan(&pc.Code, &pc.UserID, &pc.CreatedAt, &pc.ExpiresAt, &consumedAt)
	if err != nil {
		return nil, fmt.Errorf("loading consumed pairing code: %w", err)
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		pc.ConsumedAt = &t
	}
	return pc, nil
}

// classifyConsumeFailure distinguishes why a claim failed, for logging
// only. Peers always see a generic pairing failure.
func (s *SQLiteStore) classifyConsumeFailure(ctx context.Context, code string, now time.Time) error {
	var expiresAt time.Time
	var consumedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at, consumed_at FROM pairing_codes WHERE code = ?`, code).
		Scan(&expiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("inspecting pairing code: %w", err)
	}
	if consumedAt.Valid {
		return ErrCodeConsumed
	}
	if !expiresAt.After(now) {
		return ErrCodeExpired
	}
	return ErrCodeNotFound
}

// DeleteExpiredPairingCodes removes codes past their TTL.
func (s *SQLiteStore) DeleteExpiredPairingCodes(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_codes WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired pairing codes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting expired pairing codes: %w", err)
	}
	if n > 0 {
		s.logger.Debug("deleted expired pairing codes", "count", n)
	}
	return n, nil
}

// scanDevice reads a device row.
func (s *SQLiteStore) scanDevice(row *sql.Row) (*Device, error) {
	d := &Device{}
	var arch sql.NullString
	err := row.Scan(
		&d.DeviceID, &d.UserID, &d.DisplayName, &d.Platform, &arch,
		&d.PublicKey, &d.Fingerprint, &d.DeviceToken,
		&d.EncryptC2S, &d.EncryptS2C, &d.AuthKey,
		&d.LastSequence, &d.Revoked, &d.PairedAt, &d.LastActiveAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	d.Arch = arch.String
	return d, nil
}
