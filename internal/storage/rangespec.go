package storage

import (
	"fmt"
	"regexp"
	"strconv"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// ByteRange is a single parsed "bytes=" range. Start is -1 for a suffix range
// ("bytes=-N", where End holds N); End is -1 when open-ended ("bytes=N-").
type ByteRange struct {
	Start int64
	End   int64
}

// RangeSpec is a ByteRange resolved against the true object size.
// Start and End are inclusive.
type RangeSpec struct {
	Start int64
	End   int64
	Size  int64
}

// ParseRange parses a Range header. ok is false for an empty, malformed or
// multi-range header; callers then serve the full object.
func ParseRange(header string) (rng ByteRange, ok bool) {
	if header == "" {
		return ByteRange{}, false
	}
	m := rangeRegex.FindStringSubmatch(header)
	if m == nil {
		return ByteRange{}, false
	}
	startStr, endStr := m[1], m[2]

	switch {
	case startStr == "" && endStr == "":
		return ByteRange{}, false
	case startStr == "":
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix == 0 {
			return ByteRange{}, false
		}
		return ByteRange{Start: -1, End: suffix}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return ByteRange{}, false
	}
	if endStr == "" {
		return ByteRange{Start: start, End: -1}, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, false
	}
	return ByteRange{Start: start, End: end}, true
}

// Header renders the range in request form.
func (r ByteRange) Header() string {
	switch {
	case r.Start < 0:
		return fmt.Sprintf("bytes=-%d", r.End)
	case r.End < 0:
		return fmt.Sprintf("bytes=%d-", r.Start)
	default:
		return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
	}
}

// Resolve clips the range against size. ok is false when no byte of the
// object falls inside the range.
func (r ByteRange) Resolve(size int64) (RangeSpec, bool) {
	if size <= 0 {
		return RangeSpec{}, false
	}
	if r.Start < 0 {
		n := r.End
		if n <= 0 {
			return RangeSpec{}, false
		}
		if n > size {
			n = size
		}
		return RangeSpec{Start: size - n, End: size - 1, Size: size}, true
	}
	if r.Start >= size {
		return RangeSpec{}, false
	}
	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return RangeSpec{Start: r.Start, End: end, Size: size}, true
}

// Length is the number of bytes in the span.
func (s RangeSpec) Length() int64 { return s.End - s.Start + 1 }

// ContentRange renders the response header value.
func (s RangeSpec) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", s.Start, s.End, s.Size)
}
