package multipart

import "fmt"

// PartStatus is an immutable snapshot of per-part completion, decoded from
// the service's bit-string (one '0' or '1' per part, in part-number order).
// The authoritative string always comes from a session response; it is never
// synthesized locally, which guards against desync across restarts.
type PartStatus struct {
	flags []bool
}

// ParseStatus decodes a service bit-string. Any character other than '0' or
// '1' is a parse error.
func ParseStatus(s string) (PartStatus, error) {
	flags := make([]bool, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '0':
			// pending
		case '1':
			flags[i] = true
		default:
			return PartStatus{}, fmt.Errorf("multipart: invalid part state character %q at position %d", s[i], i)
		}
	}
	return PartStatus{flags: flags}, nil
}

// Len returns the number of parts tracked.
func (ps PartStatus) Len() int {
	return len(ps.flags)
}

// Pending returns the 1-based part numbers not yet acknowledged by the
// service, in order.
func (ps PartStatus) Pending() []int {
	var pending []int
	for i, done := range ps.flags {
		if !done {
			pending = append(pending, i+1)
		}
	}
	return pending
}

// CompletedCount returns the number of acknowledged parts.
func (ps PartStatus) CompletedCount() int {
	n := 0
	for _, done := range ps.flags {
		if done {
			n++
		}
	}
	return n
}

// BytesCompleted estimates acknowledged bytes. The last part may be shorter
// than partSize, so the product is clamped to fileSize.
func (ps PartStatus) BytesCompleted(partSize, fileSize int64) int64 {
	bytes := int64(ps.CompletedCount()) * partSize
	if bytes > fileSize {
		bytes = fileSize
	}
	return bytes
}

// Complete reports whether every part has been acknowledged.
func (ps PartStatus) Complete() bool {
	for _, done := range ps.flags {
		if !done {
			return false
		}
	}
	return true
}

// String renders the status back to its wire form.
func (ps PartStatus) String() string {
	b := make([]byte, len(ps.flags))
	for i, done := range ps.flags {
		if done {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b)
}
