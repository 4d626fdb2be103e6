package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sage-bionetworks/synapse-go/internal/progress"
	"github.com/sage-bionetworks/synapse-go/internal/rest"
	"github.com/sage-bionetworks/synapse-go/pkg/download"
)

// runDownload downloads a file from a URL. Connection drops mid-transfer are
// resumed in place with range requests; the stream lands in a temp file that
// is renamed into place only once it completes and verifies.
func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)

	url := fs.String("url", "", "Source URL (this or -handle is required)")
	handle := fs.String("handle", "", "File handle ID to resolve and download")
	output := fs.String("output", "", "Destination file path (required)")
	md5Hex := fs.String("md5", "", "Expected hex MD5 of the whole file")
	var cf commonFlags
	registerCommonFlags(fs, &cf)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: synapse download [options]

Download a file to a local path, either from a direct URL or by resolving
a file handle ID first. Connection drops mid-transfer are resumed in place
with range requests. When -md5 is given the finished file is verified
before it is moved into place.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if (*url == "" && *handle == "") || *output == "" {
		fmt.Fprintln(os.Stderr, "Error: -output and one of -url or -handle are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := resolveConfig(&cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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

	client := newRESTClient(cfg, 1)

	srcURL := *url
	if srcURL == "" {
		resolved, err := client.FileURL(ctx, *handle)
		if err != nil {
			if errors.Is(err, rest.ErrUnauthorized) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return ExitAuthFailed
			}
			fmt.Fprintf(os.Stderr, "Error resolving file handle: %v\n", err)
			return ExitGeneralError
		}
		srcURL = resolved
	}

	var reporter *progress.Reporter
	opts := download.Options{
		ExpectedMD5Hex: *md5Hex,
	}
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			UpdateInterval: time.Second,
			Label:          *output,
		})
		reporter.Start()
		defer reporter.Stop()
		reporter.SetPhase("download")
		opts.Progress = func(received, total int64) {
			if total >= 0 {
				reporter.SetTotal(total)
			}
			reporter.SetBytes(received)
		}
	}

	if err := download.Download(ctx, client, srcURL, *output, opts); err != nil {
		if reporter != nil {
			reporter.Stop()
		}
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "[synapse] Download interrupted")
			return ExitGeneralError
		}
		var mismatch *download.ChecksumMismatchError
		if errors.As(err, &mismatch) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitChecksumMismatch
		}
		if errors.Is(err, rest.ErrUnauthorized) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitAuthFailed
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	fmt.Fprintf(os.Stderr, "[synapse] Download complete: %s\n", *output)
	return ExitSuccess
}
