package staging

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrPartStaged is returned by Upload.Next when the part at the current
// number was already written in a previous session. Callers continue to the
// next part.
var ErrPartStaged = errors.New("staging: part already staged")

// Manifest describes a completed staged upload.
type Manifest struct {
	TotalSize   int64             `json:"total_size"`
	PartSize    int64             `json:"part_size"`
	PartsPrefix string            `json:"parts_prefix"`
	Parts       []PartInfo        `json:"parts"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// PartInfo describes a single staged part. The 1-based part number is
// implicit from the array position.
type PartInfo struct {
	Object string `json:"object"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	MD5    string `json:"md5,omitempty"`
}

// PartState represents the state of a part during staging.
type PartState string

const (
	// PartPending means the part has not been started yet.
	PartPending PartState = "pending"
	// PartInProgress means the part is currently being written.
	PartInProgress PartState = "in_progress"
	// PartStaged means the part has been successfully written.
	PartStaged PartState = "staged"
)

// partRecord tracks one part in the persisted status object.
type partRecord struct {
	Status PartState `json:"status"`
	Object string    `json:"object,omitempty"`
	Offset int64     `json:"offset,omitempty"`
	Size   int64     `json:"size,omitempty"`
	MD5    string    `json:"md5,omitempty"`
}

// status tracks write progress for resume support.
type status struct {
	TotalSize   int64             `json:"total_size,omitempty"`
	PartSize    int64             `json:"part_size"`
	PartsPrefix string            `json:"parts_prefix"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Parts       []partRecord      `json:"parts"`
	StartedAt   time.Time         `json:"started_at"`
}

// Options configures a staged upload.
type Options struct {
	PartSize      int64
	Size          int64
	Metadata      map[string]string
	ComputeMD5    bool // compute part MD5s during writes (default: true)
	StateInterval int  // persist status every N staged parts
}

// Option is a functional option for configuring staged uploads.
type Option func(*Options)

// WithPartSize sets the size of each part.
func WithPartSize(size int64) Option {
	return func(o *Options) {
		o.PartSize = size
	}
}

// WithSize sets the total size of the file. When set, Upload.Next returns
// io.EOF after all parts have been accounted for.
func WithSize(size int64) Option {
	return func(o *Options) {
		o.Size = size
	}
}

// WithMetadata sets caller-defined metadata stored in the manifest.
func WithMetadata(metadata map[string]string) Option {
	return func(o *Options) {
		o.Metadata = metadata
	}
}

// WithMD5 enables or disables MD5 computation during writes. Default is true.
// Disabling is useful when relying on the object store's own integrity
// guarantees and write throughput matters more.
func WithMD5(compute bool) Option {
	return func(o *Options) {
		o.ComputeMD5 = compute
	}
}

// WithStateInterval sets how often to persist status (every N staged parts).
func WithStateInterval(n int) Option {
	return func(o *Options) {
		o.StateInterval = n
	}
}

// Upload represents a staged upload in progress.
type Upload struct {
	bucket      *blob.Bucket
	dest        string
	opts        Options
	partsPrefix string

	mu          sync.Mutex
	status      *status
	nextNumber  int // next 1-based part number handed out
	stagedCount int
	lastSaved   int // stagedCount at the last checkpoint
	totalParts  int
	closed      bool
}

// Begin creates or resumes a staged upload. If a status object exists from a
// previous incomplete run, it is loaded for resume.
func Begin(ctx context.Context, bucket *blob.Bucket, dest string, options ...Option) (*Upload, error) {
	opts := Options{
		StateInterval: 10,
		ComputeMD5:    true,
	}
	for _, opt := range options {
		opt(&opts)
	}

	if opts.PartSize <= 0 {
		return nil, errors.New("staging: part size must be positive")
	}

	u := &Upload{
		bucket:      bucket,
		dest:        dest,
		opts:        opts,
		partsPrefix: dest + ".parts/",
		nextNumber:  1,
	}

	if opts.Size > 0 {
		u.totalParts = partCount(opts.Size, opts.PartSize)
	}

	if err := u.loadStatus(ctx); err != nil {
		return nil, fmt.Errorf("staging: load status: %w", err)
	}

	return u, nil
}

// loadStatus attempts to load existing status for resume.
func (u *Upload) loadStatus(ctx context.Context) error {
	data, err := u.bucket.ReadAll(ctx, u.partsPrefix+"status.json")
	if err != nil {
		if isNotExist(err) {
			u.status = &status{
				TotalSize:   u.opts.Size,
				PartSize:    u.opts.PartSize,
				PartsPrefix: u.partsPrefix,
				Metadata:    u.opts.Metadata,
				Parts:       []partRecord{},
				StartedAt:   time.Now(),
			}
			return nil
		}
		return err
	}

	var s status
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal status: %w", err)
	}

	u.status = &s
	u.partsPrefix = s.PartsPrefix

	// Count staged parts; parts interrupted mid-write go back to pending.
	for i := range u.status.Parts {
		switch u.status.Parts[i].Status {
		case PartStaged:
			u.stagedCount++
		case PartInProgress:
			u.status.Parts[i].Status = PartPending
		}
	}

	if u.opts.Size > 0 && s.TotalSize == 0 {
		u.status.TotalSize = u.opts.Size
		u.totalParts = partCount(u.opts.Size, u.opts.PartSize)
	} else if s.TotalSize > 0 {
		u.totalParts = partCount(s.TotalSize, s.PartSize)
	}

	return nil
}

// SaveStatus persists the current status for resume. Thread-safe. Losing an
// update is harmless: parts missing from a stale status are re-staged on the
// next run.
func (u *Upload) SaveStatus(ctx context.Context) error {
	u.mu.Lock()
	data, err := json.MarshalIndent(u.status, "", "  ")
	u.mu.Unlock()
	if err != nil {
		return err
	}
	return u.bucket.WriteAll(ctx, u.partsPrefix+"status.json", data, nil)
}

// saveIfDue persists the status once StateInterval parts have been staged
// since the last checkpoint.
func (u *Upload) saveIfDue(ctx context.Context) error {
	u.mu.Lock()
	due := u.opts.StateInterval > 0 && u.stagedCount-u.lastSaved >= u.opts.StateInterval
	if due {
		u.lastSaved = u.stagedCount
	}
	u.mu.Unlock()
	if !due {
		return nil
	}
	return u.SaveStatus(ctx)
}

// Metadata returns the metadata stored in the current status. Use this to
// check values like the source checksum for resume validation.
func (u *Upload) Metadata() map[string]string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status == nil {
		return nil
	}
	return u.status.Metadata
}

// Reset discards existing status and staged parts and starts fresh.
func (u *Upload) Reset(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, part := range u.status.Parts {
		if part.Object != "" {
			path := u.partsPrefix + part.Object
			if err := u.bucket.Delete(ctx, path); err != nil && !isNotExist(err) {
				return fmt.Errorf("delete part %s: %w", path, err)
			}
		}
	}

	if err := u.bucket.Delete(ctx, u.partsPrefix+"status.json"); err != nil && !isNotExist(err) {
		return fmt.Errorf("delete status: %w", err)
	}

	u.status = &status{
		TotalSize:   u.opts.Size,
		PartSize:    u.opts.PartSize,
		PartsPrefix: u.partsPrefix,
		Metadata:    u.opts.Metadata,
		Parts:       []partRecord{},
		StartedAt:   time.Now(),
	}
	u.nextNumber = 1
	u.stagedCount = 0

	return nil
}

// Next returns the next part to be written, numbered from 1.
// Returns ErrPartStaged if the part was already written (resume case).
// Returns io.EOF when all parts have been accounted for (requires WithSize).
// Returns the context error if the context is cancelled.
func (u *Upload) Next(ctx context.Context) (*Part, error) {
	// Check the context first to avoid marking parts in_progress during
	// shutdown.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, errors.New("staging: upload is closed")
	}

	if u.totalParts > 0 && u.nextNumber > u.totalParts {
		return nil, io.EOF
	}

	number := u.nextNumber
	u.nextNumber++

	offset := int64(number-1) * u.opts.PartSize
	length := u.opts.PartSize
	if u.opts.Size > 0 && offset+length > u.opts.Size {
		length = u.opts.Size - offset
	}

	part := &Part{
		up:         u,
		number:     number,
		offset:     offset,
		length:     length,
		computeMD5: u.opts.ComputeMD5,
	}

	idx := number - 1
	record := u.findPart(idx)
	if record != nil {
		if record.Status == PartStaged {
			part.info = &PartInfo{
				Object: record.Object,
				Offset: record.Offset,
				Size:   record.Size,
				MD5:    record.MD5,
			}
			return part, ErrPartStaged
		}
		record.Status = PartInProgress
	} else {
		for len(u.status.Parts) <= idx {
			u.status.Parts = append(u.status.Parts, partRecord{Status: PartPending})
		}
		u.status.Parts[idx].Status = PartInProgress
	}

	return part, nil
}

// findPart returns the part record at the given index, or nil if not found.
// Must be called with u.mu held.
func (u *Upload) findPart(idx int) *partRecord {
	if idx < len(u.status.Parts) {
		return &u.status.Parts[idx]
	}
	return nil
}

// Complete finalizes the staged upload, writing the manifest and cleaning up
// the status object.
func (u *Upload) Complete(ctx context.Context) (*Manifest, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, errors.New("staging: upload is already closed")
	}
	u.closed = true

	manifest := &Manifest{
		TotalSize:   u.status.TotalSize,
		PartSize:    u.status.PartSize,
		PartsPrefix: u.partsPrefix,
		Metadata:    u.status.Metadata,
		CompletedAt: time.Now(),
	}

	manifest.Parts = make([]PartInfo, len(u.status.Parts))
	for i, rec := range u.status.Parts {
		manifest.Parts[i] = PartInfo{
			Object: rec.Object,
			Offset: rec.Offset,
			Size:   rec.Size,
			MD5:    rec.MD5,
		}
	}

	if manifest.TotalSize == 0 {
		for _, part := range manifest.Parts {
			manifest.TotalSize += part.Size
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := u.bucket.WriteAll(ctx, u.dest+".manifest.json", data, nil); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err := u.bucket.Delete(ctx, u.partsPrefix+"status.json"); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("delete status: %w", err)
	}

	return manifest, nil
}

// StagedCount returns the number of parts that have been written.
func (u *Upload) StagedCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stagedCount
}

// StagedBytes returns the total bytes of all staged parts.
func (u *Upload) StagedBytes() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	var total int64
	for _, rec := range u.status.Parts {
		if rec.Status == PartStaged {
			total += rec.Size
		}
	}
	return total
}

// TotalParts returns the total number of parts, or 0 if the size is unknown.
func (u *Upload) TotalParts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totalParts
}

// Part represents a single part being staged.
type Part struct {
	up         *Upload
	number     int
	offset     int64
	length     int64
	computeMD5 bool
	info       *PartInfo // set if the part was already staged

	mu           sync.Mutex
	writer       *blob.Writer
	writerCancel context.CancelFunc
	hash         hash.Hash
	size         int64
	closed       bool
}

// Number returns the 1-based part number.
func (p *Part) Number() int {
	return p.number
}

// Offset returns the byte offset in the source data.
func (p *Part) Offset() int64 {
	return p.offset
}

// Length returns the expected size of this part.
func (p *Part) Length() int64 {
	return p.length
}

func (p *Part) objectName() string {
	return fmt.Sprintf("part-%05d", p.number)
}

// Write writes data to the part.
func (p *Part) Write(data []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("staging: part is closed")
	}

	// Lazy initialization
	if p.writer == nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.writerCancel = cancel

		w, err := p.up.bucket.NewWriter(ctx, p.up.partsPrefix+p.objectName(), nil)
		if err != nil {
			cancel()
			return 0, fmt.Errorf("create part writer: %w", err)
		}
		p.writer = w
		if p.computeMD5 {
			p.hash = md5.New()
		}
	}

	n, err = p.writer.Write(data)
	if err != nil {
		return n, err
	}

	if p.hash != nil {
		p.hash.Write(data[:n])
	}
	p.size += int64(n)

	return n, nil
}

// Abort cancels the part write and cleans up any partial data from storage.
// Marks the part pending so it can be retried. Safe to call multiple times or
// after Close.
func (p *Part) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if p.writer != nil {
		if p.writerCancel != nil {
			p.writerCancel()
		}
		// Must still close the writer to release resources.
		p.writer.Close()

		// Delete any partial data committed before cancellation. Best
		// effort; resumable bucket writers may have flushed buffers.
		p.up.bucket.Delete(context.Background(), p.up.partsPrefix+p.objectName())
	}

	p.up.mu.Lock()
	if rec := p.up.findPart(p.number - 1); rec != nil {
		rec.Status = PartPending
	}
	p.up.mu.Unlock()
}

// Close closes the part, committing it to storage and updating in-memory
// status. Does NOT persist status to storage - call Upload.SaveStatus
// periodically from the main goroutine.
func (p *Part) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	// Already staged in a previous run, or never written: nothing to do.
	if p.info != nil || p.writer == nil {
		return nil
	}

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close part writer: %w", err)
	}

	sum := ""
	if p.hash != nil {
		sum = hex.EncodeToString(p.hash.Sum(nil))
	}

	p.up.mu.Lock()
	if rec := p.up.findPart(p.number - 1); rec != nil {
		rec.Status = PartStaged
		rec.Object = p.objectName()
		rec.Offset = p.offset
		rec.Size = p.size
		rec.MD5 = sum
	}
	p.up.stagedCount++
	p.up.mu.Unlock()

	return nil
}

// LoadManifest reads the manifest of a completed staged upload.
func LoadManifest(ctx context.Context, bucket *blob.Bucket, dest string) (*Manifest, error) {
	data, err := bucket.ReadAll(ctx, dest+".manifest.json")
	if err != nil {
		return nil, fmt.Errorf("staging: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("staging: unmarshal manifest: %w", err)
	}
	return &m, nil
}

// partCount returns how many parts of the given size cover totalSize bytes.
// Staged buckets accept arbitrary part sizes, so there is no floor or cap.
func partCount(totalSize, partSize int64) int {
	return int((totalSize + partSize - 1) / partSize)
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
