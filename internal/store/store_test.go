package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/leapcode/blobsync/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	secret := bytes.Repeat([]byte("A"), crypto.SecretLength)
	s, err := Open(filepath.Join(t.TempDir(), "blobs.db"), secret)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "blob-1", "", strings.NewReader("content")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	got, err := s.Get(ctx, "blob-1", "")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.String() != "content" {
		t.Errorf("content = %q, want %q", got.String(), "content")
	}

	// Overwrite replaces content.
	if err := s.Put(ctx, "blob-1", "", strings.NewReader("other")); err != nil {
		t.Fatalf("Put() overwrite failed: %v", err)
	}
	got, err = s.Get(ctx, "blob-1", "")
	if err != nil {
		t.Fatalf("Get() after overwrite failed: %v", err)
	}
	if got.String() != "other" {
		t.Errorf("content = %q, want %q", got.String(), "other")
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "nope", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPayloadEncryptedAtRest(t *testing.T) {
	secret := bytes.Repeat([]byte("A"), crypto.SecretLength)
	path := filepath.Join(t.TempDir(), "blobs.db")
	s, err := Open(path, secret)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Put(ctx, "blob-1", "", strings.NewReader("very secret content")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("raw open failed: %v", err)
	}
	defer db.Close()
	var payload []byte
	if err := db.QueryRow(`SELECT payload FROM blobs WHERE blob_id='blob-1'`).Scan(&payload); err != nil {
		t.Fatalf("raw select failed: %v", err)
	}
	if bytes.Contains(payload, []byte("very secret content")) {
		t.Error("plaintext visible in stored payload")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "blob-1", "", strings.NewReader("default")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "blob-1", "photos", strings.NewReader("namespaced")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "blob-2", "photos", strings.NewReader("more")); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "blob-1", "photos")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.String() != "namespaced" {
		t.Errorf("content = %q, want %q", got.String(), "namespaced")
	}

	ids, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"blob-1"}) {
		t.Errorf("default list = %v, want [blob-1]", ids)
	}
	ids, _ = s.List(ctx, "photos")
	if !reflect.DeepEqual(ids, []string{"blob-1", "blob-2"}) {
		t.Errorf("photos list = %v, want [blob-1 blob-2]", ids)
	}

	namespaces, err := s.ListNamespaces(ctx)
	if err != nil {
		t.Fatalf("ListNamespaces() failed: %v", err)
	}
	if !reflect.DeepEqual(namespaces, []string{"", "photos"}) {
		t.Errorf("namespaces = %v", namespaces)
	}

	n, err := s.Count(ctx, "photos")
	if err != nil || n != 2 {
		t.Errorf("Count(photos) = %d, %v, want 2", n, err)
	}
}

func TestExistsDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "blob-1", "", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Exists(ctx, "blob-1", "")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v, want true", ok, err)
	}
	if err := s.Delete(ctx, "blob-1", ""); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	ok, _ = s.Exists(ctx, "blob-1", "")
	if ok {
		t.Error("blob still exists after delete")
	}
	// Deleting an absent blob succeeds.
	if err := s.Delete(ctx, "blob-1", ""); err != nil {
		t.Errorf("Delete() of absent blob failed: %v", err)
	}
}

func TestBatchDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, id, "", strings.NewReader(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.BatchDelete(ctx, []string{"a", "c", "unknown"}); err != nil {
		t.Fatalf("BatchDelete() failed: %v", err)
	}
	ids, _ := s.List(ctx, "")
	if !reflect.DeepEqual(ids, []string{"b"}) {
		t.Errorf("remaining = %v, want [b]", ids)
	}
}

func TestSyncStatusLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	status, retries, err := s.GetSyncStatus(ctx, "blob-1")
	if err != nil {
		t.Fatalf("GetSyncStatus() failed: %v", err)
	}
	if status != 0 || retries != 0 {
		t.Errorf("unset state = (%v, %d), want (0, 0)", status, retries)
	}

	if err := s.SetSyncStatus(ctx, "blob-1", "", StatusPendingUpload); err != nil {
		t.Fatalf("SetSyncStatus() failed: %v", err)
	}
	status, retries, _ = s.GetSyncStatus(ctx, "blob-1")
	if status != StatusPendingUpload || retries != 0 {
		t.Errorf("state = (%v, %d), want (PENDING_UPLOAD, 0)", status, retries)
	}

	if n, err := s.IncrementRetries(ctx, "blob-1"); err != nil || n != 1 {
		t.Errorf("IncrementRetries() = %d, %v, want 1", n, err)
	}
	if n, _ := s.IncrementRetries(ctx, "blob-1"); n != 2 {
		t.Errorf("IncrementRetries() = %d, want 2", n)
	}

	// A status change keeps the retry count.
	if err := s.SetSyncStatus(ctx, "blob-1", "", StatusFailedDownload); err != nil {
		t.Fatal(err)
	}
	status, retries, _ = s.GetSyncStatus(ctx, "blob-1")
	if status != StatusFailedDownload || retries != 2 {
		t.Errorf("state = (%v, %d), want (FAILED_DOWNLOAD, 2)", status, retries)
	}
}

func TestIncrementRetriesWithoutState(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.IncrementRetries(context.Background(), "ghost"); err == nil {
		t.Error("expected error for blob without sync state")
	}
}

func TestListStatusAndBatchStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetBatchSyncStatus(ctx, []string{"a", "b", "c"}, "", StatusPendingDownload); err != nil {
		t.Fatalf("SetBatchSyncStatus() failed: %v", err)
	}
	if err := s.SetSyncStatus(ctx, "b", "", StatusSynced); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSyncStatus(ctx, "d", "photos", StatusPendingDownload); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListStatus(ctx, StatusPendingDownload, "")
	if err != nil {
		t.Fatalf("ListStatus() failed: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"a", "c"}) {
		t.Errorf("pending download = %v, want [a c]", ids)
	}
	ids, _ = s.ListStatus(ctx, StatusPendingDownload, "photos")
	if !reflect.DeepEqual(ids, []string{"d"}) {
		t.Errorf("photos pending download = %v, want [d]", ids)
	}
}

func TestDeleteWithState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "blob-1", "", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSyncStatus(ctx, "blob-1", "", StatusPendingDelete); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteWithState(ctx, "blob-1", ""); err != nil {
		t.Fatalf("DeleteWithState() failed: %v", err)
	}
	if ok, _ := s.Exists(ctx, "blob-1", ""); ok {
		t.Error("blob row survived")
	}
	status, _, _ := s.GetSyncStatus(ctx, "blob-1")
	if status != 0 {
		t.Errorf("sync state survived: %v", status)
	}
}

func TestSyncProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetBatchSyncStatus(ctx, []string{"a", "b"}, "", StatusSynced); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSyncStatus(ctx, "c", "", StatusPendingUpload); err != nil {
		t.Fatal(err)
	}
	progress, err := s.SyncProgress(ctx)
	if err != nil {
		t.Fatalf("SyncProgress() failed: %v", err)
	}
	want := map[SyncStatus][]string{
		StatusSynced:        {"a", "b"},
		StatusPendingUpload: {"c"},
	}
	if !reflect.DeepEqual(progress, want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
}

func TestStatusString(t *testing.T) {
	if got := StatusPendingUpload.String(); got != "PENDING_UPLOAD" {
		t.Errorf("String() = %q", got)
	}
	if got := SyncStatus(0).String(); got != "UNKNOWN" {
		t.Errorf("String() = %q", got)
	}
}
