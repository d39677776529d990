package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Record is the persisted form of one cached response.
// Records are owned by the cache; stores hand out copies.
type Record struct {
	// Key uniquely identifies the cached resource (exact match)
	Key string `json:"key"`

	// ETag for conditional requests (If-None-Match), may be empty
	ETag string `json:"etag"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Body is the raw response payload
	Body []byte `json:"body"`

	// Headers is the blob produced by the cache's HeaderCodec
	Headers []byte `json:"headers"`

	// LastFetched is when the entry last held new data or was confirmed by a 304
	LastFetched time.Time `json:"last_fetched"`

	// LastTouched is when the entry was last written or read, drives eviction
	LastTouched time.Time `json:"last_touched"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Body = cloneBytes(r.Body)
	c.Headers = cloneBytes(r.Headers)
	return &c
}

// Unit returns an immutable snapshot of the record decoded with codec.
// A nil codec falls back to JSONHeaderCodec.
func (r *Record) Unit(codec HeaderCodec) Unit {
	if codec == nil {
		codec = JSONHeaderCodec{}
	}
	return Unit{
		body:        cloneBytes(r.Body),
		statusCode:  r.StatusCode,
		etag:        r.ETag,
		headers:     cloneBytes(r.Headers),
		lastFetched: r.LastFetched,
		codec:       codec,
	}
}

// TouchedBefore reports whether the record was last touched strictly before cutoff.
func (r *Record) TouchedBefore(cutoff time.Time) bool {
	return r.LastTouched.Before(cutoff)
}

// Unit is a read-only view of one cached response.
// Decoding is deferred until ParsedBody, DecodeBody or DecodedHeaders is called.
type Unit struct {
	body        []byte
	statusCode  int
	etag        string
	headers     []byte
	lastFetched time.Time
	codec       HeaderCodec
}

// Body returns a copy of the raw response payload.
func (u Unit) Body() []byte {
	return cloneBytes(u.body)
}

// StatusCode returns the cached HTTP status code.
func (u Unit) StatusCode() int {
	return u.statusCode
}

// ETag returns the validator to send back as If-None-Match.
func (u Unit) ETag() string {
	return u.etag
}

// LastFetched returns when the entry last held new or revalidated data.
func (u Unit) LastFetched() time.Time {
	return u.lastFetched
}

// RawHeaders returns a copy of the serialized header blob.
func (u Unit) RawHeaders() []byte {
	return cloneBytes(u.headers)
}

// ParsedBody decodes the body as JSON into generic values
// (map[string]any, []any, string, float64, bool or nil).
func (u Unit) ParsedBody() (any, error) {
	var v any
	if err := u.DecodeBody(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeBody decodes the JSON body into v.
func (u Unit) DecodeBody(v any) error {
	if err := json.Unmarshal(u.body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBodyDecode, err)
	}
	return nil
}

// DecodedHeaders deserializes the stored header blob.
func (u Unit) DecodedHeaders() (http.Header, error) {
	codec := u.codec
	if codec == nil {
		codec = JSONHeaderCodec{}
	}
	h, err := codec.Decode(u.headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderDecode, err)
	}
	return h, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
