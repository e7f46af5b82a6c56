package blobs

// Flag is a server-side metadata tag on a remote blob, drawn from a closed
// vocabulary. Flags are orthogonal to sync status; the server is the source
// of truth for them.
type Flag string

const (
	FlagPending    Flag = "pending"
	FlagProcessing Flag = "processing"
	FlagFailed     Flag = "failed"
	FlagSuccess    Flag = "success"
)

// Flags lists the full vocabulary the server accepts.
func Flags() []Flag {
	return []Flag{FlagPending, FlagProcessing, FlagFailed, FlagSuccess}
}
