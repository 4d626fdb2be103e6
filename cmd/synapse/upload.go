package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sage-bionetworks/synapse-go/internal/progress"
	"github.com/sage-bionetworks/synapse-go/internal/rest"
	"github.com/sage-bionetworks/synapse-go/pkg/multipart"
)

// runUpload uploads a local file to the file service as a multipart upload.
// Interrupted uploads resume from the server-side part state on the next run.
func runUpload(args []string) int {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)

	file := fs.String("file", "", "Local file to upload (required)")
	name := fs.String("name", "", "File name to store (default: base name of -file)")
	contentType := fs.String("content-type", "application/octet-stream", "Content type of the file")
	preview := fs.Bool("preview", false, "Ask the service to generate a preview")
	var cf commonFlags
	registerCommonFlags(fs, &cf)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: synapse upload [options]

Upload a local file as a multipart upload. The file is split into parts,
each part is sent to a presigned URL, and the service reassembles them.
Interrupted uploads resume where they left off.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := resolveConfig(&cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	fileName := *name
	if fileName == "" {
		fileName = filepath.Base(*file)
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
	fileSize := stat.Size()

	var reporter *progress.Reporter
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			TotalSize:      fileSize,
			Workers:        cfg.Workers,
			UpdateInterval: time.Second,
			Label:          fileName,
			PartSize:       cfg.PartSize,
		})
		reporter.Start()
		defer reporter.Stop()
		reporter.SetPhase("checksum")
	}

	// The service matches existing sessions by file identity, which
	// includes the whole-file MD5.
	md5Hex, err := fileMD5(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error computing checksum: %v\n", err)
		return ExitFileNotAccess
	}

	client := newRESTClient(cfg, cfg.Workers)

	var dispatcher multipart.Dispatcher
	if cfg.Sequential {
		dispatcher = multipart.SequentialDispatcher{}
	} else {
		dispatcher = multipart.ParallelDispatcher{Workers: cfg.Workers}
	}

	opts := multipart.UploadOptions{
		PartSize:          cfg.PartSize,
		ContentType:       *contentType,
		StorageLocationID: cfg.StorageLocation,
		GeneratePreview:   *preview,
		ForceRestart:      cfg.Force,
		URLBatchSize:      cfg.URLBatchSize,
		SessionRetries:    cfg.SessionRetries,
		Dispatcher:        dispatcher,
	}
	if reporter != nil {
		reporter.SetPhase("upload")
		opts.Progress = func(completed, total int64) {
			reporter.SetBytes(completed)
		}
	}

	uploader := multipart.NewUploader(client, client, opts)

	status, err := uploader.Upload(ctx, f, fileName, fileSize, md5Hex)
	if err != nil {
		if reporter != nil {
			reporter.Stop()
		}
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "[synapse] Upload interrupted, run again to resume")
			return ExitGeneralError
		}
		var exhausted *multipart.SessionExhaustedError
		if errors.As(err, &exhausted) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitSessionExhausted
		}
		if errors.Is(err, rest.ErrUnauthorized) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitAuthFailed
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	fmt.Fprintf(os.Stderr, "[synapse] Upload complete: %s (%s)\n", fileName, progress.FormatBytes(fileSize))
	if status.ResultFileHandleID != "" {
		fmt.Fprintf(os.Stderr, "[synapse] File handle: %s\n", status.ResultFileHandleID)
	}

	return ExitSuccess
}

// fileMD5 computes the hex MD5 of f and rewinds it.
func fileMD5(f *os.File) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
