package storage

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsatisfiableRange is returned when no requested range overlaps the object
var ErrUnsatisfiableRange = errors.New("range not satisfiable")

// ByteRange is an inclusive byte interval
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the range
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange parses a bytes= Range header against an object of the given
// size. Overlapping and adjacent ranges are combined. An empty header or a
// header in another unit yields nil.
func ParseRange(header string, size int64) ([]ByteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return nil, nil
	}

	var ranges []ByteRange
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		first, last, found := strings.Cut(part, "-")
		if !found {
			return nil, errors.New("malformed range")
		}

		var r ByteRange
		if first == "" {
			// suffix range: last N bytes
			n, err := strconv.ParseInt(last, 10, 64)
			if err != nil || n < 0 {
				return nil, errors.New("malformed range")
			}
			if n == 0 || size == 0 {
				continue
			}
			r = ByteRange{Start: max(size-n, 0), End: size - 1}
		} else {
			start, err := strconv.ParseInt(first, 10, 64)
			if err != nil || start < 0 {
				return nil, errors.New("malformed range")
			}
			end := size - 1
			if last != "" {
				end, err = strconv.ParseInt(last, 10, 64)
				if err != nil || end < start {
					return nil, errors.New("malformed range")
				}
				end = min(end, size-1)
			}
			if start >= size {
				continue
			}
			r = ByteRange{Start: start, End: end}
		}
		ranges = append(ranges, r)
	}

	if len(ranges) == 0 {
		return nil, ErrUnsatisfiableRange
	}

	return combine(ranges), nil
}

func combine(ranges []ByteRange) []ByteRange {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End+1 {
			last.End = max(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// EstimateBytes returns how many bytes a request with the given Range
// header transfers for an object of size bytes
func EstimateBytes(size int64, header string) int64 {
	if header == "" {
		return size
	}
	ranges, err := ParseRange(header, size)
	if err != nil || ranges == nil {
		return size
	}
	var total int64
	for _, r := range ranges {
		total += r.Length()
	}
	return total
}
