package blobs

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/leapcode/blobsync/internal/crypto"
	"github.com/leapcode/blobsync/internal/server"
	"github.com/leapcode/blobsync/internal/store"
)

func testSecret() []byte {
	return bytes.Repeat([]byte("A"), crypto.SecretLength)
}

type testEnv struct {
	manager *Manager
	handler *server.Handler
	srv     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	handler := server.New(t.TempDir(), "tok", zerolog.Nop())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m, err := NewManager(Config{
		Remote:        srv.URL,
		User:          "user1",
		Token:         "tok",
		Secret:        testSecret(),
		LocalPath:     filepath.Join(t.TempDir(), "blobs.db"),
		RetryWaitBase: 10 * time.Millisecond,
		RetryWaitStep: 10 * time.Millisecond,
		RetryWaitMax:  50 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return &testEnv{manager: m, handler: handler, srv: srv}
}

func (e *testEnv) put(t *testing.T, blobID, content string) {
	t.Helper()
	doc := BlobDoc{BlobID: blobID, Content: strings.NewReader(content)}
	if err := e.manager.Put(context.Background(), doc, "", false); err != nil {
		t.Fatalf("Put(%s) failed: %v", blobID, err)
	}
}

// dropLocal removes the local copy so the next Get has to hit the server.
func (e *testEnv) dropLocal(t *testing.T, blobID string) {
	t.Helper()
	if err := e.manager.local.DeleteWithState(context.Background(), blobID, ""); err != nil {
		t.Fatal(err)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.put(t, "blob-1", "save me")

	env.dropLocal(t, "blob-1")
	got, err := env.manager.Get(ctx, "blob-1", "")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.String() != "save me" {
		t.Errorf("content = %q, want %q", got.String(), "save me")
	}
	status, retries, _ := env.manager.GetSyncStatus(ctx, "blob-1")
	if status != StatusSynced || retries != 0 {
		t.Errorf("state = (%v, %d), want (SYNCED, 0)", status, retries)
	}
}

func TestServerSeesOnlyCiphertext(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "blob-1", "very secret plaintext")

	stored, err := os.ReadFile(env.handler.Path("user1", "", "blob-1"))
	if err != nil {
		t.Fatalf("read stored blob: %v", err)
	}
	if bytes.Contains(stored, []byte("very secret plaintext")) {
		t.Error("plaintext visible in server-side file")
	}
}

func TestDuplicatePut(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "blob-1", "first")
	doc := BlobDoc{BlobID: "blob-1", Content: strings.NewReader("second")}
	err := env.manager.Put(context.Background(), doc, "", false)
	var exists *BlobAlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("got %v, want BlobAlreadyExistsError", err)
	}
	if exists.BlobID != "blob-1" {
		t.Errorf("blob id = %q", exists.BlobID)
	}
}

func TestPutLocalOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := BlobDoc{BlobID: "private", Content: strings.NewReader("stays here")}
	if err := env.manager.Put(ctx, doc, "", true); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	status, _, _ := env.manager.GetSyncStatus(ctx, "private")
	if status != StatusLocalOnly {
		t.Errorf("status = %v, want LOCAL_ONLY", status)
	}
	n, err := env.manager.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("remote count = %d, want 0", n)
	}
}

func TestFlagsSetGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.put(t, "blob-1", "x")

	if err := env.manager.SetFlags(ctx, "blob-1", []Flag{FlagProcessing}, ""); err != nil {
		t.Fatalf("SetFlags() failed: %v", err)
	}
	flags, err := env.manager.GetFlags(ctx, "blob-1", "")
	if err != nil {
		t.Fatalf("GetFlags() failed: %v", err)
	}
	if len(flags) != 1 || flags[0] != FlagProcessing {
		t.Errorf("flags = %v, want [processing]", flags)
	}

	env.put(t, "blob-2", "y")
	err = env.manager.SetFlags(ctx, "blob-2", []Flag{"invalid"}, "")
	var invalid *InvalidFlagsError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidFlagsError", err)
	}
	flags, err = env.manager.GetFlags(ctx, "blob-2", "")
	if err != nil {
		t.Fatalf("GetFlags() failed: %v", err)
	}
	if len(flags) != 0 {
		t.Errorf("flags after rejected set = %v, want []", flags)
	}
}

func TestRemoteListOrderByDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.put(t, "blob-1", "first")
	env.put(t, "blob-2", "second")
	now := time.Now()
	os.Chtimes(env.handler.Path("user1", "", "blob-1"), now.Add(-time.Hour), now.Add(-time.Hour))
	os.Chtimes(env.handler.Path("user1", "", "blob-2"), now, now)

	ids, err := env.manager.RemoteList(ctx, ListOptions{OrderBy: "+date"})
	if err != nil {
		t.Fatalf("RemoteList() failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "blob-1" || ids[1] != "blob-2" {
		t.Errorf("+date = %v, want [blob-1 blob-2]", ids)
	}
	ids, _ = env.manager.RemoteList(ctx, ListOptions{OrderBy: "-date"})
	if len(ids) != 2 || ids[0] != "blob-2" || ids[1] != "blob-1" {
		t.Errorf("-date = %v, want [blob-2 blob-1]", ids)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.put(t, "blob-1", "default ns")
	doc := BlobDoc{BlobID: "blob-2", Content: strings.NewReader("photos ns")}
	if err := env.manager.Put(ctx, doc, "photos", false); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	ids, err := env.manager.RemoteList(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("RemoteList() failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "blob-1" {
		t.Errorf("default ns = %v, want [blob-1]", ids)
	}
	ids, _ = env.manager.RemoteList(ctx, ListOptions{Namespace: "photos"})
	if len(ids) != 1 || ids[0] != "blob-2" {
		t.Errorf("photos ns = %v, want [blob-2]", ids)
	}
	n, _ := env.manager.Count(ctx, "photos")
	if n != 1 {
		t.Errorf("photos count = %d, want 1", n)
	}
}

func TestGetLocalFirst(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "blob-1", "cached")
	// With the server gone, only the local copy can answer.
	env.srv.Close()
	got, err := env.manager.Get(context.Background(), "blob-1", "")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.String() != "cached" {
		t.Errorf("content = %q, want %q", got.String(), "cached")
	}
}

func TestGetUnknownBlobIsRetriable(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Get(context.Background(), "ghost", "")
	var retriableErr *RetriableTransferError
	if !errors.As(err, &retriableErr) {
		t.Fatalf("got %v, want RetriableTransferError", err)
	}
	var notFound *BlobNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("cause = %v, want BlobNotFoundError", retriableErr.Err)
	}
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.put(t, "blob-1", "doomed")

	if err := env.manager.Delete(ctx, "blob-1", ""); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := env.manager.local.Get(ctx, "blob-1", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("local row survived: %v", err)
	}
	status, _, _ := env.manager.GetSyncStatus(ctx, "blob-1")
	if status != 0 {
		t.Errorf("sync state survived: %v", status)
	}
	deleted, err := env.manager.RemoteList(ctx, ListOptions{Deleted: true})
	if err != nil {
		t.Fatalf("RemoteList(deleted) failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "blob-1" {
		t.Errorf("tombstones = %v, want [blob-1]", deleted)
	}
}

func TestDeleteMissingBlob(t *testing.T) {
	env := newTestEnv(t)
	err := env.manager.Delete(context.Background(), "ghost", "")
	var notFound *BlobNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want BlobNotFoundError", err)
	}
}

func TestCheckHTTPStatus(t *testing.T) {
	if err := checkHTTPStatus(200, "b", nil); err != nil {
		t.Errorf("200: %v", err)
	}
	if err := checkHTTPStatus(206, "b", nil); err != nil {
		t.Errorf("206: %v", err)
	}
	var notFound *BlobNotFoundError
	if err := checkHTTPStatus(404, "b", nil); !errors.As(err, &notFound) {
		t.Errorf("404: %v", err)
	}
	var exists *BlobAlreadyExistsError
	if err := checkHTTPStatus(409, "b", nil); !errors.As(err, &exists) {
		t.Errorf("409: %v", err)
	}
	var invalid *InvalidFlagsError
	if err := checkHTTPStatus(406, "b", []Flag{"x"}); !errors.As(err, &invalid) {
		t.Errorf("406: %v", err)
	}
	var srvErr *ServerError
	err := checkHTTPStatus(500, "b", nil)
	if !errors.As(err, &srvErr) {
		t.Fatalf("500: %v", err)
	}
	if err.Error() != "Server Error: 500" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestNewManagerValidation(t *testing.T) {
	base := Config{
		Remote:    "http://localhost:1",
		User:      "u",
		Token:     "t",
		Secret:    testSecret(),
		LocalPath: filepath.Join(t.TempDir(), "blobs.db"),
	}

	cfg := base
	cfg.Secret = []byte("short")
	if _, err := NewManager(cfg); err == nil {
		t.Error("short secret accepted")
	}
	cfg = base
	cfg.Remote = ""
	if _, err := NewManager(cfg); err == nil {
		t.Error("empty remote accepted")
	}
	cfg = base
	cfg.LocalPath = ""
	if _, err := NewManager(cfg); err == nil {
		t.Error("empty local path accepted")
	}

	m, err := NewManager(base)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	defer m.Close()
	if m.cfg.MaxDecryptRetries != 3 || m.cfg.ConcurrentTransfersLimit != 3 || m.cfg.ConcurrentWritesLimit != 100 {
		t.Errorf("defaults = (%d, %d, %d)", m.cfg.MaxDecryptRetries, m.cfg.ConcurrentTransfersLimit, m.cfg.ConcurrentWritesLimit)
	}
}
