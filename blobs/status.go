package blobs

import "github.com/leapcode/blobsync/internal/store"

// SyncStatus is the per-blob sync state machine position.
type SyncStatus = store.SyncStatus

const (
	StatusSynced          = store.StatusSynced
	StatusPendingUpload   = store.StatusPendingUpload
	StatusPendingDownload = store.StatusPendingDownload
	StatusPendingDelete   = store.StatusPendingDelete
	StatusLocalOnly       = store.StatusLocalOnly
	StatusFailedDownload  = store.StatusFailedDownload
	StatusFailedUpload    = store.StatusFailedUpload
)
