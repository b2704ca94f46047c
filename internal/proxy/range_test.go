package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRangeHeader_Forms(t *testing.T) {
	cases := []struct {
		name   string
		header string
		wantOK bool
	}{
		{"closed", "bytes=100-200", true},
		{"open", "bytes=0-", true},
		{"suffix", "bytes=-500", true},
		{"malformed no prefix", "100-200", false},
		{"malformed non-numeric", "bytes=abc", false},
		{"malformed reversed", "bytes=200-100", false},
		{"malformed multi-range", "bytes=0-100,200-300", false},
		{"malformed bare dash", "bytes=-", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := parseRangeHeader(tc.header)
			assert.Equal(t, tc.wantOK, ok)
		})
	}
}

func TestResolve_ScenarioFromSpec(t *testing.T) {
	// spec.md §8 scenario 5: total_size = 1000.
	const total = 1000

	r, ok := parseRangeHeader("bytes=0-")
	require.True(t, ok)
	start, end, ok := r.resolve(total)
	require.True(t, ok)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(999), end)

	r, ok = parseRangeHeader("bytes=-500")
	require.True(t, ok)
	start, end, ok = r.resolve(total)
	require.True(t, ok)
	assert.Equal(t, int64(500), start)
	assert.Equal(t, int64(999), end)

	r, ok = parseRangeHeader("bytes=100-200")
	require.True(t, ok)
	start, end, ok = r.resolve(total)
	require.True(t, ok)
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(200), end)
}

func TestResolve_ClosedRangeClipsToTotal(t *testing.T) {
	r, ok := parseRangeHeader("bytes=900-2000")
	require.True(t, ok)
	start, end, ok := r.resolve(1000)
	require.True(t, ok)
	assert.Equal(t, int64(900), start)
	assert.Equal(t, int64(999), end)
}

func TestResolve_OpenEndedUnknownTotalServesWhateverArrived(t *testing.T) {
	r, ok := parseRangeHeader("bytes=5242880-")
	require.True(t, ok)
	start, end, ok := r.resolve(-1)
	require.True(t, ok)
	assert.Equal(t, int64(5242880), start)
	assert.Equal(t, int64(unresolvedEnd), end)
}

func TestResolve_SuffixUnknownTotalCannotResolve(t *testing.T) {
	r, ok := parseRangeHeader("bytes=-500")
	require.True(t, ok)
	_, _, ok = r.resolve(-1)
	assert.False(t, ok)
}
