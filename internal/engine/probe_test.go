package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeHeadAdvertisesRanges(t *testing.T) {
	ts := newTestServer(t, testData(4096), nil)

	result, err := Probe(context.Background(), ts.Client(), ts.URL+"/a/file.iso")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), result.Size)
	assert.True(t, result.RangesSupported)
	assert.Equal(t, `"v1"`, result.ETag)
	assert.Equal(t, ts.URL+"/a/file.iso", result.URL)
	assert.Zero(t, ts.totalGets())
}

func TestProbeFallsBackWhenHeadRejected(t *testing.T) {
	ts := newTestServer(t, testData(2048), func(ts *testServer) { ts.headStatus = http.StatusMethodNotAllowed })

	result, err := Probe(context.Background(), ts.Client(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), result.Size)
	assert.True(t, result.RangesSupported)
	assert.Equal(t, 1, ts.getCount("bytes=0-0"))
}

func TestProbeDetectsIgnoredRanges(t *testing.T) {
	ts := newTestServer(t, testData(2048), func(ts *testServer) { ts.noRanges = true })

	result, err := Probe(context.Background(), ts.Client(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), result.Size)
	assert.False(t, result.RangesSupported)
}

func TestProbeUnknownSize(t *testing.T) {
	ts := newTestServer(t, testData(2048), func(ts *testServer) { ts.hideLength = true })

	result, err := Probe(context.Background(), ts.Client(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), result.Size)
	assert.False(t, result.RangesSupported)
}

func TestProbeFollowsRedirects(t *testing.T) {
	ts := newTestServer(t, testData(100), nil)
	redirect := httptest.NewServer(http.RedirectHandler(ts.URL+"/real.bin", http.StatusFound))
	defer redirect.Close()

	result, err := Probe(context.Background(), http.DefaultClient, redirect.URL+"/alias")
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/real.bin", result.URL)
	assert.Equal(t, int64(100), result.Size)
}

func TestProbeFailures(t *testing.T) {
	ts := newTestServer(t, testData(10), func(ts *testServer) { ts.headStatus = http.StatusNotFound })

	_, err := Probe(context.Background(), ts.Client(), ts.URL)
	var probeErr *ProbeError
	require.ErrorAs(t, err, &probeErr)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)

	_, err = Probe(context.Background(), ts.Client(), "ftp://example.com/x")
	assert.ErrorIs(t, err, ErrInvalidURL)

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = Probe(context.Background(), http.DefaultClient, closed.URL)
	require.ErrorAs(t, err, &probeErr)
	assert.False(t, Retryable(&StatusError{Code: http.StatusNotFound}))
}

func TestProbeContentDisposition(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{`attachment; filename="image.iso"`, "image.iso"},
		{`attachment; filename*=UTF-8''na%C3%AFve%20file.txt`, "na_ve file.txt"},
		{`attachment; filename="../../etc/passwd"`, "passwd"},
		{`inline`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, contentDispositionFilename(tt.header), tt.header)
	}
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := ParseContentRange("bytes 100-199/1000")
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 199, 1000}, []int64{start, end, total})

	_, _, total, err = ParseContentRange("bytes 0-9/*")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)

	for _, bad := range []string{"", "bytes 5-1/10", "items 0-1/2", "bytes 0-1", "bytes a-1/2", "bytes */10"} {
		_, _, _, err := ParseContentRange(bad)
		assert.ErrorIs(t, err, ErrMalformedRange, bad)
	}
}
