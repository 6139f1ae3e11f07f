package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestClient_DoPut(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 1024)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected method PUT, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/octet-stream" {
			t.Errorf("Expected Content-Type application/octet-stream, got %s", r.Header.Get("Content-Type"))
		}
		if r.ContentLength != int64(len(payload)) {
			t.Errorf("Expected Content-Length %d, got %d", len(payload), r.ContentLength)
		}
		body, _ := io.ReadAll(r.Body)
		if !bytes.Equal(body, payload) {
			t.Errorf("Uploaded body does not match payload")
		}
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(), WithTimeout(5*time.Second))
	resp, err := client.Do(context.Background(), &Request{
		Method:        http.MethodPut,
		URL:           server.URL + "/bucket/testdocs/abc",
		Header:        http.Header{"Content-Type": {"application/octet-stream"}},
		Body:          bytes.NewReader(payload),
		ContentLength: int64(len(payload)),
	})
	if err != nil {
		t.Fatalf("Error executing request: %v", err)
	}
	if !resp.OK() {
		t.Errorf("Expected 2xx, got %d", resp.StatusCode)
	}
	if resp.Header.Get("ETag") != `"abc"` {
		t.Errorf("Expected ETag header, got %q", resp.Header.Get("ETag"))
	}
	if resp.Timing.TotalTime <= 0 {
		t.Errorf("Expected positive total time")
	}
}

func TestClient_DoPutEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("Error writing payload: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Error opening payload: %v", err)
	}
	defer f.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TransferEncoding) != 0 {
			t.Errorf("Expected no Transfer-Encoding, got %v", r.TransferEncoding)
		}
		if r.ContentLength != 0 {
			t.Errorf("Expected Content-Length 0, got %d", r.ContentLength)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := NewClient(DefaultConfig()).Do(context.Background(), &Request{
		Method: http.MethodPut,
		URL:    server.URL + "/bucket/testdocs/empty",
		Body:   f,
	})
	if err != nil {
		t.Fatalf("Error executing request: %v", err)
	}
	if !resp.OK() {
		t.Errorf("Expected 2xx, got %d", resp.StatusCode)
	}
}

func TestClient_DoErrorStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>"))
	}))
	defer server.Close()

	client := NewClient(DefaultConfig())
	resp, err := client.Do(context.Background(), &Request{Method: http.MethodPut, URL: server.URL})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.OK() {
		t.Errorf("Expected non-2xx response")
	}
	if !strings.Contains(string(resp.Body), "AccessDenied") {
		t.Errorf("Expected body snippet to contain error code, got %q", resp.Body)
	}
}

func TestClient_DoBodySnippetIsBounded(t *testing.T) {
	large := strings.Repeat("y", maxBodySnippet*3)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(large))
	}))
	defer server.Close()

	resp, err := NewClient(DefaultConfig()).Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(resp.Body) != maxBodySnippet {
		t.Errorf("Expected %d byte snippet, got %d", maxBodySnippet, len(resp.Body))
	}
	if resp.Bytes != int64(len(large)) {
		t.Errorf("Expected %d bytes counted, got %d", len(large), resp.Bytes)
	}
}

func TestClient_DoConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(DefaultConfig()).Do(context.Background(), &Request{Method: http.MethodPut, URL: url})
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("Expected ErrTransfer, got %v", err)
	}
}

func TestClient_DoTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(DefaultConfig(), WithTimeout(20*time.Millisecond))
	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("Expected ErrTransfer on timeout, got %v", err)
	}
}

func TestClient_DoInvalidURL(t *testing.T) {
	_, err := NewClient(DefaultConfig()).Do(context.Background(), &Request{Method: "PUT", URL: "://bad"})
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("Expected ErrTransfer, got %v", err)
	}
}
