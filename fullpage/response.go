package fullpage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Response headers written by the gate.
const (
	HeaderCacheTag      = "X-Pagecache-Output-Cache-Tag"
	HeaderDisableReason = "X-Pagecache-Output-Cache-Disable-Reason"
	HeaderCacheDate     = "X-Pagecache-Cache-Date"
	HeaderSubrequest    = "X-Pagecache-Subrequest"
)

// StoredResponse is the cached form of a page.
type StoredResponse struct {
	Status int         `cbor:"s"`
	Header http.Header `cbor:"h"`
	Body   []byte      `cbor:"b"`
}

// Clone returns a deep copy.
func (r *StoredResponse) Clone() *StoredResponse {
	return &StoredResponse{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   bytes.Clone(r.Body),
	}
}

// CacheDate parses the cache-date header, or returns false when it is
// missing or malformed.
func (r *StoredResponse) CacheDate() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, r.Header.Get(HeaderCacheDate))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func encodeResponse(r *StoredResponse) ([]byte, error) {
	return cbor.Marshal(r)
}

func decodeResponse(data []byte) (*StoredResponse, error) {
	var r StoredResponse
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("fullpage: decode stored response: %w", err)
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	return &r, nil
}

// writeTo sends the response to w.
func (r *StoredResponse) writeTo(w http.ResponseWriter) {
	h := w.Header()
	for k, v := range r.Header {
		h[k] = append([]string(nil), v...)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(r.Body)
}

// recorder buffers a handler's response so the gate can decide whether to
// store it before anything reaches the client. A Flush or Hijack switches
// it to pass-through and marks the response as streamed.
type recorder struct {
	w        http.ResponseWriter
	decision *Decision
	header   http.Header
	status   int
	body     bytes.Buffer
	wrote    bool
	passThru bool
}

func newRecorder(w http.ResponseWriter, d *Decision) *recorder {
	return &recorder{w: w, decision: d, header: http.Header{}}
}

func (rec *recorder) Header() http.Header {
	if rec.passThru {
		return rec.w.Header()
	}
	return rec.header
}

func (rec *recorder) WriteHeader(status int) {
	if rec.passThru {
		rec.w.WriteHeader(status)
		return
	}
	if rec.wrote {
		return
	}
	rec.status = status
	rec.wrote = true
}

func (rec *recorder) Write(p []byte) (int, error) {
	if rec.passThru {
		return rec.w.Write(p)
	}
	if !rec.wrote {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.body.Write(p)
}

// Flush implements http.Flusher.
func (rec *recorder) Flush() {
	rec.stream()
	if f, ok := rec.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (rec *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("fullpage: underlying writer does not support hijacking")
	}
	rec.decision.markStreamed()
	rec.passThru = true
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.w
}

// stream sends what is buffered and switches to pass-through.
func (rec *recorder) stream() {
	if rec.passThru {
		return
	}
	rec.decision.markStreamed()
	rec.commit()
	rec.passThru = true
}

// snapshot returns the buffered response.
func (rec *recorder) snapshot() *StoredResponse {
	status := rec.status
	if !rec.wrote {
		status = http.StatusOK
	}
	return &StoredResponse{Status: status, Header: rec.header.Clone(), Body: bytes.Clone(rec.body.Bytes())}
}

// commit sends the buffered response to the client.
func (rec *recorder) commit() {
	if rec.passThru {
		return
	}
	rec.snapshot().writeTo(rec.w)
	rec.passThru = true
}

var (
	_ http.Flusher  = (*recorder)(nil)
	_ http.Hijacker = (*recorder)(nil)
)
