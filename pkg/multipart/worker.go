package multipart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
)

// partJob is one part transfer assignment: a byte range of the source plus
// the presigned URL it must be written to.
type partJob struct {
	number int
	url    string
	offset int64
	length int64
}

// uploadPart transfers exactly one part: read the byte range from the source,
// PUT it to the presigned URL, then report the MD5 of the bytes sent. On
// success the shared completed-bytes counter is advanced.
//
// Failures are classified by the caller: an error wrapping ErrExpiredURL
// aborts the batch for a fresh session fetch, an *IntegrityError retries just
// this part, anything else counts against the outer restart budget.
func (u *Uploader) uploadPart(ctx context.Context, src io.ReaderAt, uploadID string, job partJob) error {
	buf := make([]byte, job.length)
	if _, err := src.ReadAt(buf, job.offset); err != nil {
		return fmt.Errorf("read part %d at offset %d: %w", job.number, job.offset, err)
	}

	if err := u.putter.PutPart(ctx, job.url, buf); err != nil {
		return fmt.Errorf("put part %d: %w", job.number, err)
	}

	sum := md5.Sum(buf)
	if err := u.svc.AddPart(ctx, uploadID, job.number, hex.EncodeToString(sum[:])); err != nil {
		return fmt.Errorf("add part %d: %w", job.number, err)
	}

	u.addCompleted(job.length)
	return nil
}
