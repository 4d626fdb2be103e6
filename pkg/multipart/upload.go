package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ProgressFunc receives completed and total byte counts as parts finish.
type ProgressFunc func(completed, total int64)

// UploadOptions configures an Uploader.
type UploadOptions struct {
	// PartSize is the requested part size in bytes. 0 derives one from the
	// file size (see PlanParts).
	PartSize int64

	// ContentType is sent when starting the session.
	ContentType string

	// StorageLocationID selects the service-side storage location. 0 uses
	// the service default.
	StorageLocationID int64

	// GeneratePreview asks the service to render a preview after upload.
	GeneratePreview bool

	// ForceRestart discards any existing session for this file identity.
	ForceRestart bool

	// URLBatchSize bounds how many presigned URLs are requested at once, so
	// URLs are fetched shortly before use. Values below 1 mean 6.
	URLBatchSize int

	// SessionRetries bounds whole-session attempts (initial try included).
	// Values below 1 mean 7.
	SessionRetries int

	// Dispatcher selects the part execution strategy. Nil means
	// ParallelDispatcher with its default worker count.
	Dispatcher Dispatcher

	// Progress is an optional progress callback.
	Progress ProgressFunc
}

// Uploader drives the resumable multipart upload state machine against a
// SessionService. One Uploader handles one upload at a time; it is not safe
// for concurrent Upload calls.
type Uploader struct {
	svc      SessionService
	putter   PartPutter
	dispatch Dispatcher
	opts     UploadOptions

	completed atomic.Int64
	total     int64
}

// NewUploader creates an Uploader. svc and putter are required; in the CLI
// both are the internal/rest client.
func NewUploader(svc SessionService, putter PartPutter, opts UploadOptions) *Uploader {
	if opts.URLBatchSize < 1 {
		opts.URLBatchSize = 6
	}
	if opts.SessionRetries < 1 {
		opts.SessionRetries = 7
	}
	dispatch := opts.Dispatcher
	if dispatch == nil {
		dispatch = ParallelDispatcher{}
	}
	return &Uploader{svc: svc, putter: putter, dispatch: dispatch, opts: opts}
}

// Upload transfers src to the service as a multipart upload and returns the
// terminal session status. contentMD5Hex is the MD5 of the whole file; with
// fileSize it forms the file identity the service uses to resume sessions.
//
// The upload survives expired presigned URLs and service-side session
// invalidation by restarting the session, up to SessionRetries attempts.
// Exhausting the budget returns *SessionExhaustedError naming the last
// session. Cancellation is honored between batches and aborts in-flight
// transfers through the context.
func (u *Uploader) Upload(ctx context.Context, src io.ReaderAt, fileName string, fileSize int64, contentMD5Hex string) (*SessionStatus, error) {
	plan, err := PlanParts(fileSize, u.opts.PartSize)
	if err != nil {
		return nil, err
	}

	u.completed.Store(0)
	u.total = fileSize

	force := u.opts.ForceRestart
	integrityStrikes := make(map[int]int)

	var (
		lastID  string
		cause   RestartCause
		lastErr error
	)

	for attempt := 0; attempt < u.opts.SessionRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, err := u.svc.StartSession(ctx, StartSessionRequest{
			FileName:          fileName,
			ContentType:       u.opts.ContentType,
			ContentMD5Hex:     contentMD5Hex,
			FileSize:          fileSize,
			PartSize:          plan.PartSize,
			StorageLocationID: u.opts.StorageLocationID,
			GeneratePreview:   u.opts.GeneratePreview,
			ForceRestart:      force,
		})
		if err != nil {
			if errors.Is(err, ErrSessionInvalid) {
				force, cause, lastErr = true, RestartSessionInvalid, err
				continue
			}
			return nil, fmt.Errorf("start session: %w", err)
		}
		force = false
		lastID = status.UploadID

		if status.State == StateCompleted {
			u.completed.Store(fileSize)
			u.reportProgress()
			return status, nil
		}
		if status.State != StateInProgress {
			force = true
			cause = RestartSessionInvalid
			lastErr = fmt.Errorf("multipart: unexpected session state %q", status.State)
			continue
		}
		if status.Parts.Len() != plan.PartCount {
			return nil, fmt.Errorf("multipart: session %s tracks %d parts, local plan has %d",
				status.UploadID, status.Parts.Len(), plan.PartCount)
		}

		u.completed.Store(status.Parts.BytesCompleted(plan.PartSize, fileSize))
		u.reportProgress()

		restart := false
		pending := status.Parts.Pending()
		for start := 0; start < len(pending) && !restart; start += u.opts.URLBatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			end := start + u.opts.URLBatchSize
			if end > len(pending) {
				end = len(pending)
			}
			nums := pending[start:end]

			urls, err := u.svc.PresignedURLBatch(ctx, status.UploadID, nums)
			if err != nil {
				if errors.Is(err, ErrSessionInvalid) {
					force = true
					cause = RestartSessionInvalid
				} else {
					cause = RestartIncomplete
				}
				lastErr = fmt.Errorf("fetch presigned urls: %w", err)
				restart = true
				break
			}

			jobs := make([]partJob, 0, len(nums))
			for _, n := range nums {
				url, ok := urls[n]
				if !ok {
					cause = RestartIncomplete
					lastErr = fmt.Errorf("multipart: no presigned url returned for part %d", n)
					restart = true
					break
				}
				s, e := plan.Range(n)
				jobs = append(jobs, partJob{number: n, url: url, offset: s, length: e - s})
			}
			if restart {
				break
			}

			err = u.dispatch.Dispatch(ctx, jobs, func(jctx context.Context, job partJob) error {
				return u.uploadPart(jctx, src, status.UploadID, job)
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				var integ *IntegrityError
				switch {
				case errors.Is(err, ErrExpiredURL):
					cause = RestartExpiredURL
				case errors.Is(err, ErrSessionInvalid):
					force = true
					cause = RestartSessionInvalid
				case errors.As(err, &integ):
					// One re-upload per part; a second server-side checksum
					// rejection for the same part is a hard failure.
					integrityStrikes[integ.PartNumber]++
					if integrityStrikes[integ.PartNumber] > 1 {
						return nil, err
					}
					cause = RestartIncomplete
				default:
					cause = RestartIncomplete
				}
				lastErr = err
				restart = true
			}
		}
		if restart {
			continue
		}

		if u.completed.Load() < fileSize {
			// Status snapshot went stale; re-fetch and upload what is left.
			cause = RestartIncomplete
			continue
		}

		final, err := u.svc.CompleteSession(ctx, status.UploadID)
		if err != nil {
			if errors.Is(err, ErrSessionInvalid) {
				force = true
				cause = RestartSessionInvalid
			} else {
				cause = RestartIncomplete
			}
			lastErr = fmt.Errorf("complete session: %w", err)
			continue
		}
		if final.State == StateCompleted {
			if final.UploadID == "" {
				final.UploadID = status.UploadID
			}
			u.completed.Store(fileSize)
			u.reportProgress()
			return final, nil
		}

		// The service found parts it never acknowledged; loop for a fresh
		// status and upload them.
		cause = RestartIncomplete
		lastErr = fmt.Errorf("multipart: session state %q after uploading all pending parts", final.State)
	}

	if cause == "" {
		cause = RestartIncomplete
	}
	return nil, &SessionExhaustedError{
		UploadID: lastID,
		Attempts: u.opts.SessionRetries,
		Cause:    cause,
		Err:      lastErr,
	}
}

// addCompleted advances the shared progress counter. Called from dispatcher
// goroutines, so the counter is atomic.
func (u *Uploader) addCompleted(n int64) {
	u.completed.Add(n)
	u.reportProgress()
}

func (u *Uploader) reportProgress() {
	if u.opts.Progress == nil {
		return
	}
	c := u.completed.Load()
	if c > u.total {
		c = u.total
	}
	u.opts.Progress(c, u.total)
}
