package multipart

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrPartSizeTooSmall is returned by PlanParts when the requested part
	// size is below MinPartSize. Detected before any network activity.
	ErrPartSizeTooSmall = errors.New("multipart: part size below minimum")

	// ErrTooManyParts is returned by PlanParts when the file cannot be split
	// into MaxParts or fewer parts at the requested part size.
	ErrTooManyParts = errors.New("multipart: part count exceeds maximum")

	// ErrExpiredURL indicates a presigned URL was rejected by the storage
	// backend. The URL must not be retried; the session is re-fetched for a
	// fresh batch instead.
	ErrExpiredURL = errors.New("multipart: presigned url expired")

	// ErrSessionInvalid indicates the upload session itself was rejected by
	// the service. The coordinator restarts with a forced session.
	ErrSessionInvalid = errors.New("multipart: upload session no longer valid")
)

// IntegrityError reports a server-side checksum mismatch for a single part.
// The part is re-uploaded on the next coordinator pass; the session survives.
type IntegrityError struct {
	PartNumber int
	Detail     string
}

func (e *IntegrityError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("multipart: part %d rejected: checksum mismatch", e.PartNumber)
	}
	return fmt.Sprintf("multipart: part %d rejected: %s", e.PartNumber, e.Detail)
}

// RestartCause names the condition that forced a session restart.
type RestartCause string

const (
	// RestartExpiredURL means a presigned URL was rejected mid-batch.
	RestartExpiredURL RestartCause = "expired presigned url"
	// RestartSessionInvalid means the service rejected the session itself.
	RestartSessionInvalid RestartCause = "session invalidated"
	// RestartIncomplete means the service still reported missing parts after
	// all known-pending parts were uploaded, or a part transfer failed.
	RestartIncomplete RestartCause = "parts incomplete"
)

// SessionExhaustedError is returned when the outer restart budget is spent
// without the session reaching a completed state. UploadID names the last
// known session for support follow-up.
type SessionExhaustedError struct {
	UploadID string
	Attempts int
	Cause    RestartCause
	Err      error // last error observed, may be nil
}

func (e *SessionExhaustedError) Error() string {
	msg := fmt.Sprintf("multipart: upload %s not completed after %d attempts (last cause: %s)",
		e.UploadID, e.Attempts, e.Cause)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionExhaustedError) Unwrap() error {
	return e.Err
}
