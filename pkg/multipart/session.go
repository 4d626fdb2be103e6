package multipart

import "context"

// Session states reported by the file service.
const (
	StateInProgress = "IN_PROGRESS"
	StateCompleted  = "COMPLETED"
)

// StartSessionRequest identifies the file being uploaded. The service keys
// sessions on the (content MD5, file size, part size) triple, so repeating a
// start call with the same identity resumes the existing session unless
// ForceRestart is set.
type StartSessionRequest struct {
	FileName          string
	ContentType       string
	ContentMD5Hex     string
	FileSize          int64
	PartSize          int64
	StorageLocationID int64
	GeneratePreview   bool
	ForceRestart      bool
}

// SessionStatus is the service's view of a multipart upload session.
type SessionStatus struct {
	UploadID           string
	State              string
	Parts              PartStatus
	ResultFileHandleID string
}

// SessionService is the boundary to the remote multipart session API.
// The live implementation is internal/rest.Client; tests substitute fakes.
//
// Network and 5xx failures are retried with backoff inside the
// implementation. A response indicating the session itself is invalid is
// surfaced wrapping ErrSessionInvalid; a server-rejected part checksum is
// surfaced as *IntegrityError.
type SessionService interface {
	// StartSession creates or resumes a multipart upload session.
	StartSession(ctx context.Context, req StartSessionRequest) (*SessionStatus, error)

	// PresignedURLBatch fetches one-time upload URLs for the given 1-based
	// part numbers. URLs expire server-side; callers request them in small
	// batches shortly before use.
	PresignedURLBatch(ctx context.Context, uploadID string, partNumbers []int) (map[int]string, error)

	// AddPart reports a transferred part and its MD5 so the service can
	// verify what it received.
	AddPart(ctx context.Context, uploadID string, partNumber int, partMD5Hex string) error

	// CompleteSession asks the service to finalize the upload. The returned
	// state may still be IN_PROGRESS if the service detects missing parts.
	CompleteSession(ctx context.Context, uploadID string) (*SessionStatus, error)
}

// PartPutter uploads raw part bytes to a presigned URL. A rejected URL is
// surfaced wrapping ErrExpiredURL.
type PartPutter interface {
	PutPart(ctx context.Context, url string, data []byte) error
}
