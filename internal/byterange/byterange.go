// Package byterange parses HTTP Range request headers and resolves them
// against a known object size.
package byterange

import (
	"errors"
	"strconv"
	"strings"
)

// ErrNoRange indicates the header was absent or not a byte-range unit; the
// caller should serve the full object.
var ErrNoRange = errors.New("no range requested")

// ErrUnsatisfiable indicates a syntactically valid range that cannot be
// satisfied against the object's size (416 Range Not Satisfiable).
var ErrUnsatisfiable = errors.New("range not satisfiable")

// Interval is an inclusive [Start, End] byte range.
type Interval struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the interval spans.
func (i Interval) Length() int64 {
	return i.End - i.Start + 1
}

// Parse parses a single-range "Range: bytes=..." header value and resolves
// it against size, the total object length in bytes. Multipart (comma
// separated) ranges are rejected as unsatisfiable — this proxy serves at
// most one range per request.
func Parse(header string, size int64) (Interval, error) {
	if header == "" {
		return Interval{}, ErrNoRange
	}

	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return Interval{}, ErrNoRange
	}
	spec := strings.TrimPrefix(header, prefix)

	if strings.Contains(spec, ",") {
		return Interval{}, ErrUnsatisfiable
	}

	if size <= 0 {
		return Interval{}, ErrUnsatisfiable
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return Interval{}, ErrUnsatisfiable
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	switch {
	case startStr == "" && endStr == "":
		return Interval{}, ErrUnsatisfiable

	case startStr == "":
		// suffix range: bytes=-N means the last N bytes
		suffixLen, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffixLen <= 0 {
			return Interval{}, ErrUnsatisfiable
		}
		if suffixLen > size {
			suffixLen = size
		}
		return Interval{Start: size - suffixLen, End: size - 1}, nil

	case endStr == "":
		// open-ended range: bytes=N- means N through the end
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return Interval{}, ErrUnsatisfiable
		}
		if start >= size {
			return Interval{}, ErrUnsatisfiable
		}
		return Interval{Start: start, End: size - 1}, nil

	default:
		start, err1 := strconv.ParseInt(startStr, 10, 64)
		end, err2 := strconv.ParseInt(endStr, 10, 64)
		if err1 != nil || err2 != nil || start < 0 || end < start {
			return Interval{}, ErrUnsatisfiable
		}
		if start >= size {
			return Interval{}, ErrUnsatisfiable
		}
		if end >= size {
			end = size - 1
		}
		return Interval{Start: start, End: end}, nil
	}
}

// ContentRangeHeader formats the Content-Range response header value for a
// resolved interval against the given total size.
func ContentRangeHeader(i Interval, size int64) string {
	return "bytes " + strconv.FormatInt(i.Start, 10) + "-" + strconv.FormatInt(i.End, 10) + "/" + strconv.FormatInt(size, 10)
}

// SplitForPrefetch divides interval into up to n roughly equal
// sub-intervals. Nothing in the request pipeline calls it, so no range is
// prefetched. n must be >= 1; fewer sub-intervals are returned
// if the interval is too small to split evenly.
func SplitForPrefetch(i Interval, n int) []Interval {
	if n < 1 {
		n = 1
	}
	total := i.Length()
	chunk := total / int64(n)
	if chunk < 1 {
		chunk = total
		n = 1
	}

	intervals := make([]Interval, 0, n)
	start := i.Start
	for k := 0; k < n; k++ {
		end := start + chunk - 1
		if k == n-1 || end > i.End {
			end = i.End
		}
		intervals = append(intervals, Interval{Start: start, End: end})
		start = end + 1
		if start > i.End {
			break
		}
	}
	return intervals
}
