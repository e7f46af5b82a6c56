// Package blobs is the client-side engine of an end-to-end encrypted blob
// store. A Manager keeps an encrypted local copy of every blob, mirrors it
// to a remote server that only ever sees ciphertext, and reconciles the two
// views through the synchronizer in sync.go.
package blobs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/leapcode/blobsync/internal/crypto"
	"github.com/leapcode/blobsync/internal/httpx"
	"github.com/leapcode/blobsync/internal/store"
)

const (
	defaultMaxDecryptRetries        = 3
	defaultConcurrentTransfersLimit = 3
	defaultConcurrentWritesLimit    = 100

	defaultRetryWaitBase = 1 * time.Second
	defaultRetryWaitStep = 10 * time.Second
	defaultRetryWaitMax  = 60 * time.Second
)

// Config carries everything a Manager needs. Remote, User, Token, Secret
// and LocalPath are required; zero limits fall back to defaults.
type Config struct {
	// Remote is the blob server base URL.
	Remote string
	// User is the account uuid appearing in server paths.
	User string
	// Token authenticates requests against the server.
	Token string
	// Secret is the 96-byte master secret all keys derive from.
	Secret []byte
	// LocalPath is the local database file.
	LocalPath string
	// CACert optionally pins the server certificate chain (PEM).
	CACert []byte

	MaxDecryptRetries        int
	ConcurrentTransfersLimit int
	ConcurrentWritesLimit    int64

	RetryWaitBase time.Duration
	RetryWaitStep time.Duration
	RetryWaitMax  time.Duration

	Logger zerolog.Logger
}

// BlobDoc is a blob handed to Put: an id and its content stream.
type BlobDoc struct {
	BlobID  string
	Content io.Reader
}

// ListOptions maps onto the server's list query parameters.
type ListOptions struct {
	Namespace  string
	OrderBy    string // "date", "+date" or "-date"
	Deleted    bool
	FilterFlag Flag
}

// Manager orchestrates the local store, the codec and the HTTP transport.
// Public write operations share one bounded semaphore; the synchronizer
// adds its own per-action locks on top.
type Manager struct {
	cfg    Config
	local  *store.Store
	client *httpx.Client
	log    zerolog.Logger

	writes    *semaphore.Weighted
	transfers *semaphore.Weighted
	sendMu    sync.Mutex
	fetchMu   sync.Mutex
}

// NewManager validates cfg, opens the local store and builds the transport.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Remote == "" || cfg.User == "" {
		return nil, fmt.Errorf("remote url and user are required")
	}
	if len(cfg.Secret) != crypto.SecretLength {
		return nil, fmt.Errorf("master secret must be %d bytes, got %d", crypto.SecretLength, len(cfg.Secret))
	}
	if cfg.LocalPath == "" {
		return nil, fmt.Errorf("local database path is required")
	}
	if cfg.MaxDecryptRetries <= 0 {
		cfg.MaxDecryptRetries = defaultMaxDecryptRetries
	}
	if cfg.ConcurrentTransfersLimit <= 0 {
		cfg.ConcurrentTransfersLimit = defaultConcurrentTransfersLimit
	}
	if cfg.ConcurrentWritesLimit <= 0 {
		cfg.ConcurrentWritesLimit = defaultConcurrentWritesLimit
	}
	if cfg.RetryWaitBase <= 0 {
		cfg.RetryWaitBase = defaultRetryWaitBase
	}
	if cfg.RetryWaitStep <= 0 {
		cfg.RetryWaitStep = defaultRetryWaitStep
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = defaultRetryWaitMax
	}

	local, err := store.Open(cfg.LocalPath, cfg.Secret)
	if err != nil {
		return nil, err
	}
	client, err := httpx.New(cfg.Token, cfg.CACert, cfg.Logger)
	if err != nil {
		local.Close()
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		local:     local,
		client:    client,
		log:       cfg.Logger,
		writes:    semaphore.NewWeighted(cfg.ConcurrentWritesLimit),
		transfers: semaphore.NewWeighted(int64(cfg.ConcurrentTransfersLimit)),
	}, nil
}

// Close releases the local store.
func (m *Manager) Close() error { return m.local.Close() }

func (m *Manager) userURL() string {
	return strings.TrimSuffix(m.cfg.Remote, "/") + "/" + m.cfg.User + "/"
}

func (m *Manager) blobURL(blobID string) string {
	return m.userURL() + blobID
}

func nsParams(namespace string) url.Values {
	params := url.Values{}
	if namespace != "" {
		params.Set("namespace", namespace)
	}
	return params
}

// Put stores a new blob locally and, unless localOnly is set, uploads it.
// A blob id already present in the namespace yields BlobAlreadyExistsError.
func (m *Manager) Put(ctx context.Context, doc BlobDoc, namespace string, localOnly bool) error {
	if err := m.writes.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.writes.Release(1)

	exists, err := m.local.Exists(ctx, doc.BlobID, namespace)
	if err != nil {
		return err
	}
	if exists {
		return &BlobAlreadyExistsError{BlobID: doc.BlobID}
	}
	content, err := io.ReadAll(doc.Content)
	if err != nil {
		return fmt.Errorf("read blob content: %w", err)
	}
	if err := m.local.Put(ctx, doc.BlobID, namespace, bytes.NewReader(content)); err != nil {
		return err
	}
	if localOnly {
		m.log.Debug().Str("blob_id", doc.BlobID).Msg("stored local-only blob")
		return m.local.SetSyncStatus(ctx, doc.BlobID, namespace, store.StatusLocalOnly)
	}
	if err := m.local.SetSyncStatus(ctx, doc.BlobID, namespace, store.StatusPendingUpload); err != nil {
		return err
	}
	if err := m.encryptAndUpload(ctx, doc.BlobID, namespace, bytes.NewReader(content)); err != nil {
		return err
	}
	return m.local.SetSyncStatus(ctx, doc.BlobID, namespace, store.StatusSynced)
}

// encryptAndUpload wraps the plaintext through the codec and PUTs the wire
// form to the server.
func (m *Manager) encryptAndUpload(ctx context.Context, blobID, namespace string, src io.Reader) error {
	enc, err := crypto.NewBlobEncryptor(crypto.DocInfo{DocID: blobID}, src, m.cfg.Secret, false)
	if err != nil {
		return err
	}
	wire, err := enc.Encrypt()
	if err != nil {
		return err
	}
	m.log.Debug().Str("blob_id", blobID).Int("bytes", wire.Len()).Msg("uploading blob")
	resp, err := m.client.Put(ctx, m.blobURL(blobID), bytes.NewReader(wire.Bytes()), nsParams(namespace))
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return checkHTTPStatus(resp.StatusCode, blobID, nil)
}

// Get returns a blob's plaintext, local copy first. A blob only known to
// the server is downloaded, verified, stored locally and marked SYNCED.
func (m *Manager) Get(ctx context.Context, blobID, namespace string) (*bytes.Buffer, error) {
	content, err := m.local.Get(ctx, blobID, namespace)
	if err == nil {
		return content, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := m.local.SetSyncStatus(ctx, blobID, namespace, store.StatusPendingDownload); err != nil {
		return nil, err
	}
	return m.fetch(ctx, blobID, namespace)
}

// fetch downloads and decrypts one blob, classifying failures: a corrupted
// blob burns one unit of the retry budget and becomes MaximumRetriesError
// once the budget is spent, every other failure is wrapped retriable.
func (m *Manager) fetch(ctx context.Context, blobID, namespace string) (*bytes.Buffer, error) {
	content, err := m.downloadAndDecrypt(ctx, blobID, namespace)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidBlob) {
			retries, rerr := m.local.IncrementRetries(ctx, blobID)
			if rerr != nil {
				return nil, rerr
			}
			left := m.cfg.MaxDecryptRetries - retries
			m.log.Error().Str("blob_id", blobID).Err(err).
				Int("retries", retries).Int("attempts_left", left).
				Msg("blob failed to decrypt, it may have been tampered with")
			if retries >= m.cfg.MaxDecryptRetries {
				if serr := m.local.SetSyncStatus(ctx, blobID, namespace, store.StatusFailedDownload); serr != nil {
					return nil, serr
				}
				return nil, &MaximumRetriesError{Err: err}
			}
			return nil, &RetriableTransferError{Err: err}
		}
		return nil, &RetriableTransferError{Err: err}
	}
	if err := m.local.Put(ctx, blobID, namespace, content); err != nil {
		return nil, err
	}
	if err := m.local.SetSyncStatus(ctx, blobID, namespace, store.StatusSynced); err != nil {
		return nil, err
	}
	return m.local.Get(ctx, blobID, namespace)
}

// downloadAndDecrypt GETs the wire form and routes it through the
// preamble-driven decrypter buffer. The Tag response header supplies the
// expected authentication tag up front.
func (m *Manager) downloadAndDecrypt(ctx context.Context, blobID, namespace string) (*bytes.Buffer, error) {
	resp, err := m.client.Get(ctx, m.blobURL(blobID), nsParams(namespace), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkHTTPStatus(resp.StatusCode, blobID, nil); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}
	tagHeader := resp.Header.Get("Tag")
	if tagHeader == "" {
		return nil, fmt.Errorf("%w: missing Tag header", crypto.ErrInvalidBlob)
	}
	tag, err := base64.URLEncoding.DecodeString(tagHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable Tag header", crypto.ErrInvalidBlob)
	}
	buf := crypto.NewDecrypterBuffer(blobID, m.cfg.Secret, tag)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, err
	}
	content, size, err := buf.Close()
	if err != nil {
		return nil, err
	}
	m.log.Debug().Str("blob_id", blobID).Int64("bytes", size).Msg("downloaded blob")
	return content, nil
}

// Delete removes a blob remotely and locally. A 404 from the server raises
// BlobNotFoundError; the local row and its sync state go away in one
// transaction so no state row survives pointing at deleted content.
func (m *Manager) Delete(ctx context.Context, blobID, namespace string) error {
	if err := m.writes.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.writes.Release(1)

	if err := m.local.SetSyncStatus(ctx, blobID, namespace, store.StatusPendingDelete); err != nil {
		return err
	}
	if err := m.deleteFromRemote(ctx, blobID, namespace); err != nil {
		return err
	}
	return m.local.DeleteWithState(ctx, blobID, namespace)
}

func (m *Manager) deleteFromRemote(ctx context.Context, blobID, namespace string) error {
	resp, err := m.client.Delete(ctx, m.blobURL(blobID), nsParams(namespace))
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return checkHTTPStatus(resp.StatusCode, blobID, nil)
}

// SetFlags replaces a remote blob's flag set.
func (m *Manager) SetFlags(ctx context.Context, blobID string, flags []Flag, namespace string) error {
	if err := m.writes.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.writes.Release(1)

	if flags == nil {
		flags = []Flag{}
	}
	resp, err := m.client.Post(ctx, m.blobURL(blobID), flags, nsParams(namespace))
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return checkHTTPStatus(resp.StatusCode, blobID, flags)
}

// GetFlags returns a remote blob's current flag set.
func (m *Manager) GetFlags(ctx context.Context, blobID, namespace string) ([]Flag, error) {
	params := nsParams(namespace)
	params.Set("only_flags", "true")
	resp, err := m.client.Get(ctx, m.blobURL(blobID), params, nil)
	if err != nil {
		return nil, err
	}
	if err := checkHTTPStatus(resp.StatusCode, blobID, nil); err != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, err
	}
	var flags []Flag
	if err := httpx.DecodeJSON(resp, &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

// RemoteList asks the server for blob ids, live or tombstoned.
func (m *Manager) RemoteList(ctx context.Context, opts ListOptions) ([]string, error) {
	params := nsParams(opts.Namespace)
	if opts.OrderBy != "" {
		params.Set("order_by", opts.OrderBy)
	}
	if opts.Deleted {
		params.Set("deleted", "true")
	}
	if opts.FilterFlag != "" {
		params.Set("filter_flag", string(opts.FilterFlag))
	}
	resp, err := m.client.Get(ctx, m.userURL(), params, nil)
	if err != nil {
		return nil, err
	}
	if err := checkHTTPStatus(resp.StatusCode, "", nil); err != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, err
	}
	var ids []string
	if err := httpx.DecodeJSON(resp, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Count returns the number of live remote blobs in a namespace.
func (m *Manager) Count(ctx context.Context, namespace string) (int, error) {
	params := nsParams(namespace)
	params.Set("only_count", "true")
	resp, err := m.client.Get(ctx, m.userURL(), params, nil)
	if err != nil {
		return 0, err
	}
	if err := checkHTTPStatus(resp.StatusCode, "", nil); err != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return 0, err
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := httpx.DecodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// LocalList returns the ids of locally stored blobs in a namespace.
func (m *Manager) LocalList(ctx context.Context, namespace string) ([]string, error) {
	return m.local.List(ctx, namespace)
}

// LocalListStatus returns the local ids currently in the given sync status.
func (m *Manager) LocalListStatus(ctx context.Context, status SyncStatus, namespace string) ([]string, error) {
	return m.local.ListStatus(ctx, status, namespace)
}

// GetSyncStatus returns a blob's sync status and retry count.
func (m *Manager) GetSyncStatus(ctx context.Context, blobID string) (SyncStatus, int, error) {
	return m.local.GetSyncStatus(ctx, blobID)
}
