package gps

import (
	"strings"
	"unicode/utf8"
)

const defaultMaxFragmentBytes = 4096

// Reassembler splits a byte stream into NMEA lines.
//
// Reads rarely end on a line boundary, so the incomplete tail of each chunk
// is kept and completed by the next one. A Reassembler is not safe for
// concurrent use.
type Reassembler struct {
	// MaxFragmentBytes bounds the pending tail. A tail that grows past it
	// without a line break is discarded. Zero means 4096.
	MaxFragmentBytes int

	fragment string
}

// Feed appends chunk and returns the complete '$'-prefixed lines it closed,
// trimmed and in stream order.
//
// Chunks that are not valid UTF-8 are dropped without touching the pending
// fragment.
func (r *Reassembler) Feed(chunk []byte) []string {
	if r == nil || len(chunk) == 0 {
		return nil
	}
	if !utf8.Valid(chunk) {
		return nil
	}

	data := r.fragment + string(chunk)
	var out []string
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' && data[i] != '\r' {
			continue
		}
		if line := strings.TrimSpace(data[start:i]); strings.HasPrefix(line, "$") {
			out = append(out, line)
		}
		start = i + 1
	}

	r.fragment = data[start:]
	if len(r.fragment) > r.maxFragment() {
		r.fragment = ""
	}
	return out
}

// Reset drops any pending fragment.
func (r *Reassembler) Reset() {
	if r == nil {
		return
	}
	r.fragment = ""
}

// Pending returns the incomplete tail carried into the next Feed.
func (r *Reassembler) Pending() string {
	if r == nil {
		return ""
	}
	return r.fragment
}

func (r *Reassembler) maxFragment() int {
	if r.MaxFragmentBytes <= 0 {
		return defaultMaxFragmentBytes
	}
	return r.MaxFragmentBytes
}
