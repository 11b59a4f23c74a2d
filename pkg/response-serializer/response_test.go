package serializer

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}

	bts, err := ResponseToBytes(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}

	clone, err := BytesToResponse(bts, nil)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	cloneBody, _ := io.ReadAll(clone.Body)
	if string(cloneBody) != "This is the body" {
		t.Fatalf("Clone body: %s", cloneBody)
	}
}

func TestStoredResponseSerialization(t *testing.T) {
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("body { color: #FFE000 }")),
	}
	res.Header.Add("Content-Type", "text/css")
	storedAt := time.Unix(1700000000, 0)
	bts, err := StoredResponseToBytes(StoredResponse{Response: res, StoredAt: storedAt})
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	if res.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Stored time header leaked into the original: %+v", res.Header)
	}

	res2, err := BytesToStoredResponse(bts, nil)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if res2.Response.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("Content-Type header wrong %+v", res2.Response.Header)
	}
	if res2.Response.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Stored time header not removed %+v", res2.Response.Header)
	}
	if !res2.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at %s", res2.StoredAt)
	}
}

func TestStampCapturedBytes(t *testing.T) {
	captured := []byte("HTTP/1.1 200 OK\nContent-Type: text/html\n\n<h1>SRR</h1>")
	bts, err := StampBytes(captured, time.Unix(42, 0))
	if err != nil {
		t.Fatal(err)
	}
	sRes, err := BytesToStoredResponse(bts, nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(sRes.Response.Body)
	if string(body) != "<h1>SRR</h1>" || sRes.StoredAt.Unix() != 42 {
		t.Fatalf("Body %s stored at %s", body, sRes.StoredAt)
	}
}
