package tee

import (
	"bytes"
	"fmt"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer.
// Everything written goes to the client and to the buffer, so the buffered copy can be stored
// after the client has been served without reading the origin body twice.
type ResponseSaver struct {
	rw           http.ResponseWriter
	head         *bytes.Buffer
	body         *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	maxBytes     int64
	overflow     bool
	writeErr     error
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// write http status, headers, and separator to buffer
	// this uses HTTP 1.1 format only
	t.head.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode)))
	t.header.Write(t.head)
	t.head.WriteString("\r\n")
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if !t.overflow {
		if t.maxBytes > 0 && int64(t.body.Len()+len(b)) > t.maxBytes {
			// too large to keep, release the buffer but keep serving the client
			t.overflow = true
			t.body = &bytes.Buffer{}
		} else {
			t.body.Write(b)
		}
	}
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		n, err := t.rw.Write(b)
		if err != nil && t.writeErr == nil {
			t.writeErr = err
		}
		return n, err
	}
	return len(b), nil
}

// Flush implements http.Flusher when the underlying writer does.
func (t *ResponseSaver) Flush() {
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Response returns the recorded response in HTTP/1.1 format.
// It returns nil if nothing was written or the body did not fit the buffer.
func (t *ResponseSaver) Response() []byte {
	if !t.Complete() {
		return nil
	}
	b := make([]byte, 0, t.head.Len()+t.body.Len())
	b = append(b, t.head.Bytes()...)
	return append(b, t.body.Bytes()...)
}

// Complete reports whether the buffer holds the whole response.
func (t *ResponseSaver) Complete() bool {
	return t.wroteHeaders && !t.overflow
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// ClientError returns the first error writing to the client, if any.
func (t *ResponseSaver) ClientError() error {
	return t.writeErr
}

// NewResponseSaver returns a new ResponseSaver.
// If w is not nil, the response will be written (tee'd) to it in addition to saving to buffer.
// A positive maxBytes limits the buffered body size.
func NewResponseSaver(w http.ResponseWriter, maxBytes int64) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		head:      &bytes.Buffer{},
		body:      &bytes.Buffer{},
		header:    http.Header{},
		maxBytes:  maxBytes,
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
