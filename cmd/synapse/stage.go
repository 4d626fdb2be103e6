package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/sage-bionetworks/synapse-go/internal/progress"
	"github.com/sage-bionetworks/synapse-go/pkg/staging"
)

// runStage writes a local file into a client-owned bucket as staged parts,
// for storage locations where the client talks to the bucket directly
// instead of going through presigned URLs.
func runStage(args []string) int {
	fs := flag.NewFlagSet("stage", flag.ExitOnError)

	file := fs.String("file", "", "Local file to stage (required)")
	bucket := fs.String("bucket", "", "Destination bucket URL, e.g. s3://my-bucket (required)")
	object := fs.String("object", "", "Destination object path (required)")
	partSize := fs.String("part-size", "64MB", "Size of each part")
	workers := fs.Int("workers", 4, "Number of parallel part workers")
	stateInterval := fs.Int("state-interval", 10, "Checkpoint resume state every N staged parts")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: synapse stage [options]

Write a local file into object storage as numbered parts with a manifest.
Interrupted runs resume; if the source file changed since the last attempt,
staging starts over.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *file == "" || *bucket == "" || *object == "" {
		fmt.Fprintln(os.Stderr, "Error: -file, -bucket, and -object are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	partBytes, err := progress.ParseBytes(*partSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid part size: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[synapse] Received interrupt, shutting down...")
		cancel()
	}()

	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening file: %v\n", err)
		return ExitFileNotAccess
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFileNotAccess
	}

	// The source checksum is stored with the staging status so a resumed
	// run can detect a changed source.
	md5Hex, err := staging.SourceMD5(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error computing checksum: %v\n", err)
		return ExitFileNotAccess
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFileNotAccess
	}

	bkt, err := blob.OpenBucket(ctx, *bucket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
		return ExitStorageError
	}
	defer bkt.Close()

	manifest, err := staging.StageFile(ctx, bkt, f, stat.Size(), *object, *workers,
		staging.WithPartSize(partBytes),
		staging.WithMetadata(map[string]string{"md5": md5Hex}),
		staging.WithStateInterval(*stateInterval),
	)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "[synapse] Staging interrupted, run again to resume")
			return ExitGeneralError
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	fmt.Fprintf(os.Stderr, "[synapse] Staged %d parts (%s) to %s/%s\n",
		len(manifest.Parts), progress.FormatBytes(manifest.TotalSize), *bucket, *object)
	fmt.Fprintf(os.Stderr, "[synapse] Manifest: %s/%s.manifest.json\n", *bucket, *object)

	return ExitSuccess
}
