package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// AddConditionalHeaders adds If-None-Match to req when the unit carries an ETag.
// It reports whether the request became conditional.
func AddConditionalHeaders(req *http.Request, unit Unit) bool {
	if req == nil || unit.ETag() == "" {
		return false
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("If-None-Match", unit.ETag())
	return true
}

// ReadResponseBody reads and closes the response body, then restores it
// so the caller can read it again.
func ReadResponseBody(resp *http.Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	if resp.Body == nil {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// UnitToResponse rebuilds an HTTP response from a cached unit for req.
func UnitToResponse(unit Unit, req *http.Request) (*http.Response, error) {
	headers, err := unit.DecodedHeaders()
	if err != nil {
		return nil, err
	}

	body := unit.Body()
	headers.Set("X-Cache", "HIT")
	headers.Set("Content-Length", strconv.Itoa(len(body)))

	code := unit.StatusCode()
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}
