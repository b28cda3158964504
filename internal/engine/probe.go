package engine

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tanq16/fastdl/internal/utils"
)

// ProbeResult is what the capability probe learned about a resource.
type ProbeResult struct {
	URL             string // final URL after redirects
	Size            int64  // -1 when unknown
	RangesSupported bool
	ETag            string // strong validator, sent as If-Range; empty if none
	Filename        string // sanitized Content-Disposition filename, if any
	ContentType     string
}

// ValidateURL accepts only absolute http(s) URLs.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Probe discovers the size of the resource and whether the server honors
// byte ranges. A HEAD request is tried first; when the server rejects HEAD
// or does not advertise Accept-Ranges, a one-byte ranged GET decides from
// the actual response. Any failure is fatal and returned as *ProbeError.
func Probe(ctx context.Context, client utils.HTTPDoer, rawURL string) (ProbeResult, error) {
	log := utils.GetLogger("probe").With().Str("url", rawURL).Logger()
	if _, err := ValidateURL(rawURL); err != nil {
		return ProbeResult{}, &ProbeError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ProbeResult{}, &ProbeError{URL: rawURL, Err: fmt.Errorf("%w: %v", ErrInvalidURL, err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, &ProbeError{URL: rawURL, Err: err}
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		log.Debug().Int("status", resp.StatusCode).Msg("HEAD rejected, probing with ranged GET")
		return probeRange(ctx, client, rawURL, ProbeResult{URL: rawURL, Size: -1})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{}, &ProbeError{URL: rawURL, Err: &StatusError{Code: resp.StatusCode, Status: resp.Status}}
	}

	result := resultFromHeaders(resp)
	result.Size = resp.ContentLength
	acceptRanges := strings.ToLower(strings.TrimSpace(resp.Header.Get("Accept-Ranges")))
	switch {
	case result.Size == 0:
		// Some servers answer HEAD with a zero length for dynamic content.
		log.Debug().Msg("HEAD reported an empty resource, confirming with ranged GET")
		return probeRange(ctx, client, result.URL, result)
	case acceptRanges == "bytes":
		result.RangesSupported = true
	case acceptRanges == "none":
	default:
		log.Debug().Msg("Accept-Ranges not advertised, probing with ranged GET")
		return probeRange(ctx, client, result.URL, result)
	}
	log.Debug().Int64("size", result.Size).Bool("ranges", result.RangesSupported).Str("final", result.URL).Msg("Probe complete")
	return result, nil
}

// probeRange requests the first byte of the resource. A 206 with a
// Content-Range total confirms range support; a 200 means the server
// ignores ranges.
func probeRange(ctx context.Context, client utils.HTTPDoer, rawURL string, prior ProbeResult) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ProbeResult{}, &ProbeError{URL: rawURL, Err: fmt.Errorf("%w: %v", ErrInvalidURL, err)}
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, &ProbeError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	result := resultFromHeaders(resp)
	if result.Filename == "" {
		result.Filename = prior.Filename
	}
	if result.ETag == "" {
		result.ETag = prior.ETag
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return ProbeResult{}, &ProbeError{URL: rawURL, Err: err}
		}
		result.Size = total
		result.RangesSupported = total > 0
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1))
	case http.StatusOK:
		result.Size = resp.ContentLength
		result.RangesSupported = false
	case http.StatusRequestedRangeNotSatisfiable:
		// The only unsatisfiable first byte is that of an empty resource.
		if strings.TrimSpace(resp.Header.Get("Content-Range")) != "bytes */0" {
			return ProbeResult{}, &ProbeError{URL: rawURL, Err: &StatusError{Code: resp.StatusCode, Status: resp.Status}}
		}
		result.Size = 0
	default:
		return ProbeResult{}, &ProbeError{URL: rawURL, Err: &StatusError{Code: resp.StatusCode, Status: resp.Status}}
	}
	return result, nil
}

func resultFromHeaders(resp *http.Response) ProbeResult {
	result := ProbeResult{Size: -1}
	if resp.Request != nil && resp.Request.URL != nil {
		result.URL = resp.Request.URL.String()
	}
	// Weak validators cannot be used with If-Range.
	if etag := resp.Header.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		result.ETag = etag
	}
	result.ContentType = resp.Header.Get("Content-Type")
	result.Filename = contentDispositionFilename(resp.Header.Get("Content-Disposition"))
	return result
}

func contentDispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return utils.SanitizeFilename(fn)
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, err := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		if err == nil {
			return utils.SanitizeFilename(unescaped)
		}
	}
	return ""
}

// ParseContentRange parses a Content-Range value of the form
// "bytes start-end/total" or "bytes start-end/*". total is -1 when unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: Content-Range %q", ErrMalformedRange, header)
	}
	rng, size, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: Content-Range %q", ErrMalformedRange, header)
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: Content-Range %q", ErrMalformedRange, header)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: invalid start byte in %q", ErrMalformedRange, header)
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: invalid end byte in %q", ErrMalformedRange, header)
	}
	if end < start {
		return 0, 0, 0, fmt.Errorf("%w: Content-Range %q ends before it starts", ErrMalformedRange, header)
	}
	if size == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: invalid total in %q", ErrMalformedRange, header)
	}
	return start, end, total, nil
}
