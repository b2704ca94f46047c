package proxy

import (
	"math"
	"strconv"
	"strings"
)

// byteRange is a parsed, not-yet-clipped request range. Open indicates
// the client asked for "bytes=A-" (open-ended); Suffix indicates
// "bytes=-N" (last N bytes), with SuffixLength holding N.
type byteRange struct {
	Start        int64
	End          int64
	Open         bool
	Suffix       bool
	SuffixLength int64
}

// parseRangeHeader parses the three forms spec.md §4.7 requires:
// "bytes=A-B", "bytes=A-" (open), and "bytes=-N" (suffix). It returns
// ok=false for anything malformed (including multi-range requests,
// which this proxy does not support) so the caller can respond 416.
func parseRangeHeader(header string) (byteRange, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return byteRange{}, false // multi-range not supported
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return byteRange{}, false
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix form: bytes=-N
		if endStr == "" {
			return byteRange{}, false
		}
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false
		}
		return byteRange{Suffix: true, SuffixLength: n}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false
	}

	if endStr == "" {
		// Open-ended form: bytes=A-
		return byteRange{Start: start, Open: true}, true
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return byteRange{}, false
	}
	return byteRange{Start: start, End: end}, true
}

// unresolvedEnd stands in for "end of file" when totalSize is unknown,
// per spec.md §4.7's "otherwise u64::MAX until bounds resolve". Callers
// always clip against availability before serving, so this sentinel
// never reaches a response header un-clipped.
const unresolvedEnd = math.MaxInt64 - 1

// resolve computes the final (A, B) bounds against totalSize, which may
// be unknown (< 0). Open-ended ranges resolve against totalSize when
// known, or against unresolvedEnd otherwise so the caller can still
// serve whatever has arrived so far. The suffix form needs a known
// total to compute its start at all; ok=false when it's unknown.
func (r byteRange) resolve(totalSize int64) (start, end int64, ok bool) {
	switch {
	case r.Suffix:
		if totalSize < 0 {
			return 0, 0, false
		}
		start = totalSize - r.SuffixLength
		if start < 0 {
			start = 0
		}
		return start, totalSize - 1, true
	case r.Open:
		if totalSize < 0 {
			return r.Start, unresolvedEnd, true
		}
		return r.Start, totalSize - 1, true
	default:
		end = r.End
		if totalSize >= 0 && end > totalSize-1 {
			end = totalSize - 1
		}
		return r.Start, end, true
	}
}
