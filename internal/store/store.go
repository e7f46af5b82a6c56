// Package store persists blobs and their synchronization state in a local
// SQLite database. Row payloads are encrypted at rest with a key derived
// from the account master secret, so a copied database file alone reveals
// neither blob contents nor sizes beyond row granularity.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/leapcode/blobsync/internal/crypto"
)

// ErrNotFound is returned when the requested blob has no local row.
var ErrNotFound = errors.New("blob not found in local storage")

// Store is a SQLite-backed blob store. It is safe for concurrent use; the
// connection pool is pinned to a single connection so SQLite serializes
// writers itself.
type Store struct {
	db  *sql.DB
	key []byte
}

// Open opens (or creates) the database at path and initializes the schema.
// secret is the account master secret the at-rest key is derived from.
func Open(path string, secret []byte) (*Store, error) {
	key, err := crypto.DeriveStorageKey(secret)
	if err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, key: key}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS blobs (
	blob_id TEXT NOT NULL,
	namespace TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL,
	nonce BLOB NOT NULL,
	size INTEGER NOT NULL,
	PRIMARY KEY (blob_id, namespace)
);
CREATE TABLE IF NOT EXISTS sync_state (
	blob_id TEXT NOT NULL,
	namespace TEXT NOT NULL DEFAULT '',
	sync_status INTEGER NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (blob_id, namespace)
);`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put stores a blob, replacing any previous content under the same id and
// namespace.
func (s *Store) Put(ctx context.Context, blobID, namespace string, content io.Reader) error {
	plain, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read blob content: %w", err)
	}
	nonce, sealed, err := crypto.EncryptSym(plain, s.key)
	if err != nil {
		return err
	}
	const q = `INSERT INTO blobs (blob_id, namespace, payload, nonce, size) VALUES (?,?,?,?,?)
		ON CONFLICT (blob_id, namespace) DO UPDATE SET payload=excluded.payload, nonce=excluded.nonce, size=excluded.size`
	_, err = s.db.ExecContext(ctx, q, blobID, namespace, sealed, nonce, len(plain))
	return err
}

// Get returns a blob's decrypted content, or ErrNotFound.
func (s *Store) Get(ctx context.Context, blobID, namespace string) (*bytes.Buffer, error) {
	const q = `SELECT payload, nonce FROM blobs WHERE blob_id=? AND namespace=?`
	var payload, nonce []byte
	if err := s.db.QueryRowContext(ctx, q, blobID, namespace).Scan(&payload, &nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	plain, err := crypto.DecryptSym(payload, s.key, nonce)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(plain), nil
}

// Exists reports whether a blob row is present.
func (s *Store) Exists(ctx context.Context, blobID, namespace string) (bool, error) {
	const q = `SELECT 1 FROM blobs WHERE blob_id=? AND namespace=?`
	var one int
	if err := s.db.QueryRowContext(ctx, q, blobID, namespace).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns the ids of all blobs stored under a namespace.
func (s *Store) List(ctx context.Context, namespace string) ([]string, error) {
	const q = `SELECT blob_id FROM blobs WHERE namespace=? ORDER BY blob_id`
	return s.queryIDs(ctx, q, namespace)
}

// ListNamespaces returns the distinct namespaces with at least one blob.
func (s *Store) ListNamespaces(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT namespace FROM blobs ORDER BY namespace`
	return s.queryIDs(ctx, q)
}

// Count returns the number of blobs stored under a namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	const q = `SELECT COUNT(*) FROM blobs WHERE namespace=?`
	var n int
	err := s.db.QueryRowContext(ctx, q, namespace).Scan(&n)
	return n, err
}

// Delete removes a blob row. Deleting an absent blob is not an error.
func (s *Store) Delete(ctx context.Context, blobID, namespace string) error {
	const q = `DELETE FROM blobs WHERE blob_id=? AND namespace=?`
	_, err := s.db.ExecContext(ctx, q, blobID, namespace)
	return err
}

// BatchDelete removes blob rows by id across all namespaces.
func (s *Store) BatchDelete(ctx context.Context, blobIDs []string) error {
	if len(blobIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	const q = `DELETE FROM blobs WHERE blob_id=?`
	for _, id := range blobIDs {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DeleteWithState removes a blob and its sync state in one transaction, so
// a crash cannot leave a dangling state row pointing at deleted content.
func (s *Store) DeleteWithState(ctx context.Context, blobID, namespace string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE blob_id=? AND namespace=?`, blobID, namespace); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE blob_id=? AND namespace=?`, blobID, namespace); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetSyncStatus returns a blob's sync status and retry count. A blob with
// no recorded state yields the zero status and no error.
func (s *Store) GetSyncStatus(ctx context.Context, blobID string) (SyncStatus, int, error) {
	const q = `SELECT sync_status, retries FROM sync_state WHERE blob_id=?`
	var (
		status  SyncStatus
		retries int
	)
	if err := s.db.QueryRowContext(ctx, q, blobID).Scan(&status, &retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	return status, retries, nil
}

// SetSyncStatus records a blob's sync status, preserving its retry count.
func (s *Store) SetSyncStatus(ctx context.Context, blobID, namespace string, status SyncStatus) error {
	const q = `INSERT INTO sync_state (blob_id, namespace, sync_status) VALUES (?,?,?)
		ON CONFLICT (blob_id, namespace) DO UPDATE SET sync_status=excluded.sync_status`
	_, err := s.db.ExecContext(ctx, q, blobID, namespace, status)
	return err
}

// SetBatchSyncStatus records the same status for a batch of blobs in one
// transaction.
func (s *Store) SetBatchSyncStatus(ctx context.Context, blobIDs []string, namespace string, status SyncStatus) error {
	if len(blobIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	const q = `INSERT INTO sync_state (blob_id, namespace, sync_status) VALUES (?,?,?)
		ON CONFLICT (blob_id, namespace) DO UPDATE SET sync_status=excluded.sync_status`
	for _, id := range blobIDs {
		if _, err := tx.ExecContext(ctx, q, id, namespace, status); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListStatus returns the ids of blobs in a namespace with the given status.
func (s *Store) ListStatus(ctx context.Context, status SyncStatus, namespace string) ([]string, error) {
	const q = `SELECT blob_id FROM sync_state WHERE sync_status=? AND namespace=? ORDER BY blob_id`
	return s.queryIDs(ctx, q, status, namespace)
}

// IncrementRetries bumps a blob's retry counter and returns the new count.
func (s *Store) IncrementRetries(ctx context.Context, blobID string) (int, error) {
	const q = `UPDATE sync_state SET retries=retries+1 WHERE blob_id=? RETURNING retries`
	var retries int
	if err := s.db.QueryRowContext(ctx, q, blobID).Scan(&retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("no sync state for blob %s", blobID)
		}
		return 0, err
	}
	return retries, nil
}

// SyncProgress returns every recorded sync status with the ids of the blobs
// currently in it.
func (s *Store) SyncProgress(ctx context.Context) (map[SyncStatus][]string, error) {
	const q = `SELECT blob_id, sync_status FROM sync_state ORDER BY blob_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	progress := make(map[SyncStatus][]string)
	for rows.Next() {
		var (
			id     string
			status SyncStatus
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		progress[status] = append(progress[status], id)
	}
	return progress, rows.Err()
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
