package multipart

import (
	"reflect"
	"testing"
)

func TestParseStatus(t *testing.T) {
	ps, err := ParseStatus("0110")
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}

	if ps.Len() != 4 {
		t.Errorf("Len: got %d, want 4", ps.Len())
	}
	if got := ps.Pending(); !reflect.DeepEqual(got, []int{1, 4}) {
		t.Errorf("Pending: got %v, want [1 4]", got)
	}
	if ps.CompletedCount() != 2 {
		t.Errorf("CompletedCount: got %d, want 2", ps.CompletedCount())
	}
	if ps.Complete() {
		t.Error("Complete: got true for partial status")
	}
	if ps.String() != "0110" {
		t.Errorf("String: got %q, want %q", ps.String(), "0110")
	}
}

func TestParseStatusInvalid(t *testing.T) {
	for _, s := range []string{"01x0", "2", "01 "} {
		if _, err := ParseStatus(s); err == nil {
			t.Errorf("ParseStatus(%q): expected error", s)
		}
	}
}

func TestParseStatusEmpty(t *testing.T) {
	ps, err := ParseStatus("")
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if !ps.Complete() {
		t.Error("empty status should report complete")
	}
	if ps.Pending() != nil {
		t.Errorf("Pending: got %v, want nil", ps.Pending())
	}
}

func TestStatusComplete(t *testing.T) {
	ps, err := ParseStatus("1111")
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if !ps.Complete() {
		t.Error("Complete: got false for all-ones status")
	}
	if ps.Pending() != nil {
		t.Errorf("Pending: got %v, want nil", ps.Pending())
	}
}

func TestBytesCompletedClampsToFileSize(t *testing.T) {
	// 3 of 3 parts done at 6MiB each, but the file is only 16MiB: the last
	// part is short, so the estimate must clamp.
	ps, err := ParseStatus("111")
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}

	partSize := int64(6 * 1024 * 1024)
	fileSize := int64(16 * 1024 * 1024)

	if got := ps.BytesCompleted(partSize, fileSize); got != fileSize {
		t.Errorf("BytesCompleted: got %d, want %d", got, fileSize)
	}

	partial, _ := ParseStatus("110")
	if got := partial.BytesCompleted(partSize, fileSize); got != 2*partSize {
		t.Errorf("BytesCompleted: got %d, want %d", got, 2*partSize)
	}
}
