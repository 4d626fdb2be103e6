package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitFileNotAccess    = 3
	ExitAuthFailed       = 4
	ExitStorageError     = 5
	ExitSessionExhausted = 6
	ExitChecksumMismatch = 7
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "upload":
		return runUpload(cmdArgs)
	case "download":
		return runDownload(cmdArgs)
	case "stage":
		return runStage(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: synapse <command> [options]

Commands:
  upload    Upload a local file to Synapse as a multipart upload
  download  Download a file from Synapse with resume support
  stage     Stage a local file into a client-owned bucket as parts

Run 'synapse <command> -h' for command-specific help.`)
}
