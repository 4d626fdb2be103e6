// Package rest is the HTTP client for the Synapse file service.
//
// It implements the multipart session API (start/resume, presigned URL
// batches, part acknowledgement, completion), raw part uploads to presigned
// URLs, file-handle URL resolution, and ranged download streams. Responses are decoded into the typed
// records in pkg/multipart with required fields validated at the parse
// boundary, so a malformed response fails fast instead of surfacing as a
// missing-field panic deep in the engine.
//
// Transient failures (network errors, 5xx, 429) are retried with exponential
// backoff and jitter. Authorization failures on presigned URLs map to
// multipart.ErrExpiredURL; 4xx responses on session-scoped endpoints map to
// multipart.ErrSessionInvalid so the coordinator can restart the session.
package rest
