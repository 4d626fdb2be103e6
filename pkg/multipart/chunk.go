package multipart

import "fmt"

// Part size policy dictated by the file service.
const (
	// MinPartSize is the smallest part size the service accepts. Only the
	// last part of an upload may be shorter.
	MinPartSize int64 = 5 * 1024 * 1024

	// MaxParts is the largest number of parts a single upload may have.
	MaxParts = 10000
)

// Plan describes how a file is split into parts. Part numbers are 1-based
// and contiguous; every part except possibly the last has size PartSize.
type Plan struct {
	FileSize  int64
	PartSize  int64
	PartCount int
}

// PlanParts computes the effective part size and count for a file.
//
// A requested partSize below MinPartSize, or one producing more than MaxParts
// parts, is a configuration error surfaced before any network activity. With
// partSize = 0 the plan derives the largest part count whose even split stays
// at or above MinPartSize, capped at MaxParts, and rounds the part size up so
// the parts cover the whole file.
func PlanParts(fileSize, partSize int64) (Plan, error) {
	if fileSize < 0 {
		return Plan{}, fmt.Errorf("multipart: negative file size %d", fileSize)
	}

	if partSize == 0 {
		partSize = derivePartSize(fileSize)
	} else if partSize < MinPartSize {
		return Plan{}, fmt.Errorf("%w: %d < %d", ErrPartSizeTooSmall, partSize, MinPartSize)
	}

	count := int((fileSize + partSize - 1) / partSize)
	if count > MaxParts {
		return Plan{}, fmt.Errorf("%w: %d parts of %d bytes for %d bytes (max %d)",
			ErrTooManyParts, count, partSize, fileSize, MaxParts)
	}

	return Plan{FileSize: fileSize, PartSize: partSize, PartCount: count}, nil
}

// derivePartSize picks the part size for a file when the caller expressed no
// preference: split into as many parts as the minimum size allows, cap at
// MaxParts, then round up so count*size covers the file.
func derivePartSize(fileSize int64) int64 {
	count := fileSize / MinPartSize
	if count < 1 {
		count = 1
	}
	if count > MaxParts {
		count = MaxParts
	}
	size := (fileSize + count - 1) / count
	if size < MinPartSize {
		size = MinPartSize
	}
	return size
}

// Range returns the byte range [start, end) of part n (1-based).
func (p Plan) Range(n int) (start, end int64) {
	start = int64(n-1) * p.PartSize
	end = start + p.PartSize
	if end > p.FileSize {
		end = p.FileSize
	}
	return start, end
}
