// Package download streams a remote file to local disk, surviving connection
// drops with HTTP range resumption and verifying integrity before the file is
// promoted to its final path.
//
// Bytes are appended to a temporary file (`<destination>.temp`) in the order
// received. When the stream drops after forward progress, the next attempt
// issues a range request from the temp file's current size; servers that
// ignore the range (200 instead of 206) restart the stream from byte zero.
// Attempts that make no forward progress are fatal after one extra try, so a
// stalled connection cannot loop forever.
//
// When an expected MD5 is known, the streamed bytes are verified before the
// temp file is renamed into place; on mismatch the output is removed and a
// *ChecksumMismatchError is returned, never a silently corrupt file.
package download
