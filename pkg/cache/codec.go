package cache

import (
	"encoding/json"
	"net/http"
	"time"
)

// HeaderCodec converts response headers to and from the blob stored in a Record.
// Implementations must round-trip losslessly. A nil header counts as an
// empty one: it decodes to an empty, non-nil http.Header.
type HeaderCodec interface {
	Encode(h http.Header) ([]byte, error)
	Decode(b []byte) (http.Header, error)
}

// JSONHeaderCodec stores headers as a JSON object of string arrays.
type JSONHeaderCodec struct{}

// Encode implements HeaderCodec. A nil header encodes as an empty object.
func (JSONHeaderCodec) Encode(h http.Header) ([]byte, error) {
	if h == nil {
		h = http.Header{}
	}
	return json.Marshal(map[string][]string(h))
}

// Decode implements HeaderCodec.
func (JSONHeaderCodec) Decode(b []byte) (http.Header, error) {
	m := map[string][]string{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		// literal JSON null
		m = map[string][]string{}
	}
	return http.Header(m), nil
}

// Clock is the time source used to stamp and expire entries.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}
