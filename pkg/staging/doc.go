// Package staging writes a file into a caller-owned bucket as staged parts,
// for Synapse storage locations the client manages itself (no presigned URLs
// involved; the bucket is addressed directly via gocloud.dev/blob, so S3, GCS
// and in-memory buckets all work).
//
// A staged upload records its progress in a status object next to the parts,
// so an interrupted run resumes where it left off: [Upload.Next] returns
// [ErrPartStaged] for parts already written by a previous session. On
// completion a manifest describing every part replaces the status object.
//
// [StageFile] is the high-level driver: it plans parts, runs them across a
// bounded worker pool, and finalizes the manifest.
//
// # Storage Layout
//
//	{bucket}/{dest}.parts/part-00001
//	{bucket}/{dest}.parts/part-00002
//	{bucket}/{dest}.parts/status.json    (during writes, deleted on completion)
//	{bucket}/{dest}.manifest.json        (on completion)
package staging
