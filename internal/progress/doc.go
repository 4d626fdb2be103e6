// Package progress provides progress reporting for transfers.
//
// This package outputs human-readable progress information, including the
// current transfer phase, completion percentage, speed, and ETA.
//
// # Usage
//
//	reporter := progress.NewReporter(Options{
//	    TotalSize:  totalBytes,
//	    TotalParts: numParts,
//	    Output:     os.Stderr,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.SetPhase("upload")
//	reporter.SetBytes(completed) // authoritative count after a status refresh
//
// # Output Format
//
//	[synapse] Transferring: genome.fastq.gz
//	[synapse] Total size: 12.00 GB | Parts: 2048 x 6.00 MB | Workers: 8
//	[synapse] upload: 45.2% | 5.42 GB / 12.00 GB | Speed: 120.00 MB/s | ETA: 54s
package progress
