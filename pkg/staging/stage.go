package staging

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
)

// StageFile stages the contents of src into bucket under dest using up to
// workers concurrent part writers. Already-staged parts from a previous
// interrupted run are skipped. On success the manifest is written and
// returned; on failure the status object is persisted so a later call can
// resume. While running, status is checkpointed every StateInterval staged
// parts, so a hard crash loses at most that many part records.
func StageFile(ctx context.Context, bucket *blob.Bucket, src io.ReaderAt, size int64, dest string, workers int, options ...Option) (*Manifest, error) {
	if workers <= 0 {
		workers = 4
	}

	var opts Options
	for _, opt := range options {
		opt(&opts)
	}

	options = append(options, WithSize(size))
	up, err := Begin(ctx, bucket, dest, options...)
	if err != nil {
		return nil, err
	}

	// Stale parts from a different source are worthless. Compare the
	// requested metadata against the stored status and start over on any
	// mismatch.
	if stored := up.Metadata(); len(stored) > 0 {
		for k, v := range opts.Metadata {
			if got, ok := stored[k]; ok && got != v {
				if err := up.Reset(ctx); err != nil {
					return nil, fmt.Errorf("staging: reset after source change: %w", err)
				}
				break
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for {
		part, err := up.Next(gctx)
		if errors.Is(err, ErrPartStaged) {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Context cancellation; fall through to wait on workers.
			break
		}

		g.Go(func() error {
			return stagePart(gctx, part, src)
		})
	}

	if err := g.Wait(); err != nil {
		if saveErr := up.SaveStatus(ctx); saveErr != nil {
			return nil, fmt.Errorf("staging: %w (also failed to save status: %v)", err, saveErr)
		}
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		if saveErr := up.SaveStatus(context.Background()); saveErr != nil {
			return nil, fmt.Errorf("staging: %w (also failed to save status: %v)", err, saveErr)
		}
		return nil, err
	}

	return up.Complete(ctx)
}

func stagePart(ctx context.Context, part *Part, src io.ReaderAt) error {
	section := io.NewSectionReader(src, part.Offset(), part.Length())
	if _, err := io.Copy(part, section); err != nil {
		part.Abort()
		return fmt.Errorf("staging: write part %d: %w", part.Number(), err)
	}
	if err := part.Close(); err != nil {
		return fmt.Errorf("staging: close part %d: %w", part.Number(), err)
	}
	// A lost checkpoint only means those parts are re-staged on resume.
	_ = part.up.saveIfDue(ctx)
	return nil
}

// SourceMD5 computes the hex MD5 of src, suitable for storing in the staging
// metadata to detect source changes across resume attempts.
func SourceMD5(src io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, src); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
