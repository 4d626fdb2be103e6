package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrStalled is returned when consecutive attempts make no forward progress.
var ErrStalled = errors.New("download: no forward progress across attempts")

// ChecksumMismatchError reports that the streamed bytes do not match the
// expected checksum. The output file has already been removed.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("download: md5 mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Fetch is one opened response stream.
type Fetch struct {
	Body io.ReadCloser
	// Partial reports whether the server honored the range request (206).
	Partial bool
	// Length is the byte count of this response, -1 if unknown.
	Length int64
}

// Getter opens a (possibly ranged) stream for a URL. The live implementation
// is internal/rest.Client, which follows redirects to the signed URL and
// retries request-level failures; mid-stream drops surface here as read
// errors.
type Getter interface {
	OpenRange(ctx context.Context, url string, offset int64) (*Fetch, error)
}

// Options configures a download.
type Options struct {
	// ExpectedMD5Hex is the whole-file checksum to verify against. Empty
	// skips verification.
	ExpectedMD5Hex string

	// Progress is an optional callback with received and total bytes. Total
	// is -1 until the server reports a length.
	Progress func(received, total int64)
}

// Download streams url to dest. The stream lands in `dest + ".temp"` and is
// renamed into place only after it completes and, when an expected MD5 is
// known, verifies. Any partial or mismatched output is removed.
func Download(ctx context.Context, g Getter, url, dest string, opts Options) error {
	tempPath := dest + ".temp"

	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	sum := md5.New()
	err = stream(ctx, g, url, f, sum, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close temp file: %w", cerr)
	}
	if err != nil {
		os.Remove(tempPath)
		return err
	}

	if opts.ExpectedMD5Hex != "" {
		actual := hex.EncodeToString(sum.Sum(nil))
		if !strings.EqualFold(actual, opts.ExpectedMD5Hex) {
			os.Remove(tempPath)
			return &ChecksumMismatchError{Expected: opts.ExpectedMD5Hex, Actual: actual}
		}
	}

	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// stream copies the remote body into f, resuming with range requests after
// connection drops. sum accumulates the MD5 of the bytes kept; a restart from
// byte zero resets both the file and the hash.
func stream(ctx context.Context, g Getter, url string, f *os.File, sum hash.Hash, opts Options) error {
	var (
		offset     int64
		total      int64 = -1
		lastOffset int64 = -1
		stale      int
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetch, err := g.OpenRange(ctx, url, offset)
		if err != nil {
			return fmt.Errorf("open stream at offset %d: %w", offset, err)
		}

		if offset > 0 && !fetch.Partial {
			// Server ignored the range; start over from byte zero.
			if err := f.Truncate(0); err != nil {
				fetch.Body.Close()
				return fmt.Errorf("truncate temp file: %w", err)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				fetch.Body.Close()
				return fmt.Errorf("rewind temp file: %w", err)
			}
			sum.Reset()
			offset = 0
		}
		if fetch.Length >= 0 {
			total = offset + fetch.Length
		}

		n, copyErr := copyBody(f, sum, fetch.Body, offset, total, opts.Progress)
		fetch.Body.Close()
		offset += n

		if copyErr == nil {
			if total >= 0 && offset < total {
				// Clean EOF short of the advertised length is still a drop.
				copyErr = io.ErrUnexpectedEOF
			} else {
				return nil
			}
		}
		if !isConnectionDrop(copyErr) {
			return copyErr
		}

		// Resume only while progress is being made; a stalled connection
		// gets one extra attempt, then fails.
		if offset <= lastOffset {
			stale++
			if stale > 1 {
				return fmt.Errorf("%w: stuck at offset %d: %v", ErrStalled, offset, copyErr)
			}
		} else {
			stale = 0
		}
		lastOffset = offset
	}
}

// copyBody reads the response body into the file, feeding the hash. Read
// errors are returned for drop classification; write errors are fatal.
func copyBody(f *os.File, sum hash.Hash, body io.Reader, offset, total int64, progress func(int64, int64)) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write temp file: %w", err)
			}
			sum.Write(buf[:n])
			written += int64(n)
			if progress != nil {
				progress(offset+written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// isConnectionDrop reports whether err looks like the remote end closing the
// connection mid-stream, which is worth a range-request resume. Anything else
// propagates immediately.
func isConnectionDrop(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// http2 stream errors and some proxies surface as plain strings.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected EOF")
}
