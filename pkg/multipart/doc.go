// Package multipart implements the resumable multipart upload engine for the
// Synapse file service.
//
// A large file is split into fixed-size parts, each uploaded independently to
// a short-lived presigned URL and acknowledged back to the service with its
// MD5 checksum. The service tracks which parts it has received as a bit-string
// (one character per part, in part-number order), which is the authoritative
// completion state: the engine never derives progress from local assumptions.
//
// # Components
//
//   - [PlanParts] computes the effective part size and count for a file.
//   - [PartStatus] is an immutable snapshot of the server-side bit-string.
//   - [SessionService] is the boundary to the remote session API; the live
//     implementation lives in internal/rest.
//   - [Uploader] drives the upload state machine: start or resume a session,
//     fetch presigned URLs in bounded batches, dispatch part transfers across
//     a [Dispatcher], re-fetch status, and complete the session.
//
// # Resume and restart
//
// Calling [Uploader.Upload] again with the same file identity (content MD5
// and size) resumes the existing server-side session; only parts the service
// reports as pending are transferred. When a presigned URL is rejected as
// expired, the in-flight batch is abandoned and the session is re-fetched for
// fresh URLs. A bounded number of whole-session restarts is attempted before
// the upload fails with [SessionExhaustedError].
//
// # Concurrency
//
// Parts carry no ordering requirements; they are reassembled server-side by
// part number. The only state shared across part transfers is the completed
// bytes counter and the session restart signal, both handled with atomics.
package multipart
