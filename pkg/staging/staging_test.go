package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

func TestStageAndManifest(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	// Test data: 1MB split into 256KB parts (4 parts)
	data := make([]byte, 1024*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}
	partSize := int64(256 * 1024)

	manifest, err := StageFile(ctx, bucket, bytes.NewReader(data), int64(len(data)), "staged/file.bin", 2,
		WithPartSize(partSize),
		WithMetadata(map[string]string{"source": "file.bin"}),
	)
	if err != nil {
		t.Fatalf("StageFile: %v", err)
	}

	if len(manifest.Parts) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(manifest.Parts))
	}
	if manifest.TotalSize != int64(len(data)) {
		t.Fatalf("expected total size %d, got %d", len(data), manifest.TotalSize)
	}
	if manifest.Metadata["source"] != "file.bin" {
		t.Fatalf("expected metadata 'source'='file.bin', got %v", manifest.Metadata)
	}

	// Reassemble from the staged objects and verify.
	var out bytes.Buffer
	for _, part := range manifest.Parts {
		b, err := bucket.ReadAll(ctx, manifest.PartsPrefix+part.Object)
		if err != nil {
			t.Fatalf("read part %s: %v", part.Object, err)
		}
		if int64(len(b)) != part.Size {
			t.Fatalf("part %s: size %d, expected %d", part.Object, len(b), part.Size)
		}
		out.Write(b)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("data mismatch after reassembly")
	}

	// Status object is removed on completion.
	exists, err := bucket.Exists(ctx, manifest.PartsPrefix+"status.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("status.json still present after Complete")
	}

	loaded, err := LoadManifest(ctx, bucket, "staged/file.bin")
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if loaded.TotalSize != manifest.TotalSize {
		t.Fatalf("loaded manifest size %d, expected %d", loaded.TotalSize, manifest.TotalSize)
	}
}

func TestStageResume(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	data := make([]byte, 1024*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}
	partSize := int64(256 * 1024) // 4 parts
	src := bytes.NewReader(data)

	// First session: write only 2 parts, then save status without
	// completing to simulate an interruption.
	up1, err := Begin(ctx, bucket, "staged/resume.bin",
		WithPartSize(partSize),
		WithSize(int64(len(data))),
	)
	if err != nil {
		t.Fatalf("Begin (first): %v", err)
	}

	for i := 0; i < 2; i++ {
		part, err := up1.Next(ctx)
		if err != nil {
			t.Fatalf("Next (first session, part %d): %v", i, err)
		}
		if err := stagePart(ctx, part, src); err != nil {
			t.Fatalf("stagePart: %v", err)
		}
	}
	if err := up1.SaveStatus(ctx); err != nil {
		t.Fatalf("SaveStatus: %v", err)
	}

	// Second session resumes from the saved status.
	up2, err := Begin(ctx, bucket, "staged/resume.bin",
		WithPartSize(partSize),
		WithSize(int64(len(data))),
	)
	if err != nil {
		t.Fatalf("Begin (second): %v", err)
	}

	if up2.StagedCount() != 2 {
		t.Fatalf("expected 2 staged parts from resume, got %d", up2.StagedCount())
	}
	if up2.StagedBytes() != 2*partSize {
		t.Fatalf("expected %d staged bytes, got %d", 2*partSize, up2.StagedBytes())
	}

	stagedCount := 0
	writtenCount := 0
	for {
		part, err := up2.Next(ctx)
		if errors.Is(err, ErrPartStaged) {
			stagedCount++
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next (second session): %v", err)
		}
		if err := stagePart(ctx, part, src); err != nil {
			t.Fatalf("stagePart: %v", err)
		}
		writtenCount++
	}

	if stagedCount != 2 {
		t.Fatalf("expected 2 already-staged parts, got %d", stagedCount)
	}
	if writtenCount != 2 {
		t.Fatalf("expected 2 written parts, got %d", writtenCount)
	}

	manifest, err := up2.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var out bytes.Buffer
	for _, part := range manifest.Parts {
		b, err := bucket.ReadAll(ctx, manifest.PartsPrefix+part.Object)
		if err != nil {
			t.Fatalf("read part %s: %v", part.Object, err)
		}
		out.Write(b)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("data mismatch after resume")
	}
}

func TestStageReset(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	data := make([]byte, 512*1024)
	partSize := int64(256 * 1024) // 2 parts
	src := bytes.NewReader(data)

	up1, err := Begin(ctx, bucket, "staged/reset.bin",
		WithPartSize(partSize),
		WithSize(int64(len(data))),
		WithMetadata(map[string]string{"md5": "abc123"}),
	)
	if err != nil {
		t.Fatalf("Begin (first): %v", err)
	}

	part, err := up1.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := stagePart(ctx, part, src); err != nil {
		t.Fatalf("stagePart: %v", err)
	}
	if err := up1.SaveStatus(ctx); err != nil {
		t.Fatalf("SaveStatus: %v", err)
	}

	// Second session with a different source checksum.
	up2, err := Begin(ctx, bucket, "staged/reset.bin",
		WithPartSize(partSize),
		WithSize(int64(len(data))),
		WithMetadata(map[string]string{"md5": "def456"}),
	)
	if err != nil {
		t.Fatalf("Begin (second): %v", err)
	}

	// Stored metadata wins on resume so mismatches can be detected.
	if up2.Metadata()["md5"] != "abc123" {
		t.Fatalf("expected stored md5 'abc123', got %s", up2.Metadata()["md5"])
	}

	if err := up2.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if up2.StagedCount() != 0 {
		t.Fatalf("expected 0 staged parts after reset, got %d", up2.StagedCount())
	}
	if up2.Metadata()["md5"] != "def456" {
		t.Fatalf("expected fresh md5 'def456' after reset, got %s", up2.Metadata()["md5"])
	}

	// The previously staged object is gone.
	exists, err := bucket.Exists(ctx, "staged/reset.bin.parts/part-00001")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("part-00001 still present after Reset")
	}
}

func TestStagePartChecksums(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	data := []byte("hello world test data for checksum coverage")

	manifest, err := StageFile(ctx, bucket, bytes.NewReader(data), int64(len(data)), "staged/sums.bin", 1,
		WithPartSize(20),
	)
	if err != nil {
		t.Fatalf("StageFile: %v", err)
	}

	for i, part := range manifest.Parts {
		if part.MD5 == "" {
			t.Errorf("part %d has no checksum", i+1)
		}
	}

	// Disabled checksums leave the field empty.
	manifest2, err := StageFile(ctx, bucket, bytes.NewReader(data), int64(len(data)), "staged/nosums.bin", 1,
		WithPartSize(20),
		WithMD5(false),
	)
	if err != nil {
		t.Fatalf("StageFile (no checksum): %v", err)
	}
	for i, part := range manifest2.Parts {
		if part.MD5 != "" {
			t.Errorf("part %d has checksum %q, expected empty", i+1, part.MD5)
		}
	}
}

func TestStageShortLastPart(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	data := make([]byte, 250) // 3 parts: 100, 100, 50

	manifest, err := StageFile(ctx, bucket, bytes.NewReader(data), int64(len(data)), "staged/short.bin", 2,
		WithPartSize(100),
	)
	if err != nil {
		t.Fatalf("StageFile: %v", err)
	}

	if len(manifest.Parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(manifest.Parts))
	}
	if manifest.Parts[2].Size != 50 {
		t.Fatalf("expected last part size 50, got %d", manifest.Parts[2].Size)
	}
	if manifest.Parts[2].Offset != 200 {
		t.Fatalf("expected last part offset 200, got %d", manifest.Parts[2].Offset)
	}
}

// gatedReaderAt blocks reads at or past gateOffset until release is closed.
type gatedReaderAt struct {
	data       []byte
	gateOffset int64
	release    chan struct{}
}

func (g *gatedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= g.gateOffset {
		<-g.release
	}
	return bytes.NewReader(g.data).ReadAt(p, off)
}

func TestStageStatusCheckpoint(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	data := make([]byte, 400)
	for i := range data {
		data[i] = byte(i % 256)
	}
	// Part 3 (offset 200) stays blocked until the checkpoint is observed.
	src := &gatedReaderAt{data: data, gateOffset: 200, release: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		_, err := StageFile(ctx, bucket, src, int64(len(data)), "staged/ckpt.bin", 1,
			WithPartSize(100),
			WithStateInterval(2),
		)
		done <- err
	}()

	// With one worker and an interval of 2, the status object must be
	// persisted with two staged parts before part 3 can be read.
	deadline := time.After(5 * time.Second)
	for {
		staged := 0
		raw, err := bucket.ReadAll(ctx, "staged/ckpt.bin.parts/status.json")
		if err == nil {
			var s status
			if err := json.Unmarshal(raw, &s); err != nil {
				t.Fatalf("unmarshal status: %v", err)
			}
			for _, rec := range s.Parts {
				if rec.Status == PartStaged {
					staged++
				}
			}
		}
		if staged >= 2 {
			break
		}
		select {
		case <-deadline:
			close(src.release)
			t.Fatal("no status checkpoint after two staged parts")
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("StageFile: %v", err)
	}

	// Completion still removes the checkpoint.
	if _, err := bucket.ReadAll(ctx, "staged/ckpt.bin.parts/status.json"); !isNotExist(err) {
		t.Fatalf("status object remains after completion: %v", err)
	}
}
