package store

// SyncStatus tracks where a blob stands relative to the server. The zero
// value means no sync state has been recorded for the blob.
type SyncStatus int

const (
	StatusSynced SyncStatus = iota + 1
	StatusPendingUpload
	StatusPendingDownload
	StatusPendingDelete
	StatusLocalOnly
	StatusFailedDownload
	StatusFailedUpload
)

var statusNames = map[SyncStatus]string{
	StatusSynced:          "SYNCED",
	StatusPendingUpload:   "PENDING_UPLOAD",
	StatusPendingDownload: "PENDING_DOWNLOAD",
	StatusPendingDelete:   "PENDING_DELETE",
	StatusLocalOnly:       "LOCAL_ONLY",
	StatusFailedDownload:  "FAILED_DOWNLOAD",
	StatusFailedUpload:    "FAILED_UPLOAD",
}

func (s SyncStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}
