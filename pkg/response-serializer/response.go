package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

// StoredResponse is a response together with the time it was written to the store.
type StoredResponse struct {
	Response *http.Response
	StoredAt time.Time
}

// BytesToStoredResponse reads a response written by StoredResponseToBytes.
// The request is attached to the returned response and may be nil.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := BytesToResponse(b, req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if storedAt := res.Header.Get(storedAtHeaderName); storedAt != "" {
		storedAtInt, err := strconv.ParseInt(storedAt, 10, 64)
		if err != nil {
			return sRes, fmt.Errorf("parse stored time: %w", err)
		}
		sRes.StoredAt = time.Unix(storedAtInt, 0)
	}
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response, including the store time.
// The response body remains readable afterwards.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	bts, err := ResponseToBytes(res)
	// remove the extra header just in case
	res.Header.Del(storedAtHeaderName)
	return bts, err
}

// StampBytes adds the store time to a response already captured as HTTP/1.1 bytes.
func StampBytes(b []byte, storedAt time.Time) ([]byte, error) {
	res, err := BytesToResponse(b, nil)
	if err != nil {
		return nil, err
	}
	return StoredResponseToBytes(StoredResponse{Response: res, StoredAt: storedAt})
}

// BytesToResponse converts a byte slice to a http.Response.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The body is read completely and then set back, so the caller holds an independent readable copy.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		// set response body back, also when reading failed halfway
		res.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}
	clone := *res
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil
	clone.Header = res.Header.Clone()
	clone.Header.Del("Transfer-Encoding")
	clone.Header.Del("Content-Length")
	if clone.ProtoMajor == 0 {
		clone.ProtoMajor, clone.ProtoMinor = 1, 1
	}
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := clone.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}
