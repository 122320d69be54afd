package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type captured struct {
	mu    sync.Mutex
	path  string
	name  string
	body  string
	calls int
}

func newTestStore(t *testing.T, status int) (*BlobStore, *captured) {
	t.Helper()

	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.mu.Lock()
		got.calls++
		got.path = r.URL.Path
		got.name = r.URL.Query().Get("name")
		got.body = string(body)
		got.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, `{"bucket": "tariff-archive", "name": %q}`, r.URL.Query().Get("name"))
	}))
	t.Cleanup(srv.Close)

	store, err := Open(context.Background(), Config{Bucket: "tariff-archive"},
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, got
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	store, got := newTestStore(t, http.StatusOK)
	uri, err := store.PutObject(context.Background(), "tariffs/austinenergy-com/abc.pdf", "application/pdf",
		bytes.NewReader([]byte("%PDF-1.7 tariff")))
	require.NoError(t, err)
	require.Equal(t, "gs://tariff-archive/tariffs/austinenergy-com/abc.pdf", uri)

	got.mu.Lock()
	defer got.mu.Unlock()
	require.Contains(t, got.path, "/b/tariff-archive/o")
	require.Equal(t, "tariffs/austinenergy-com/abc.pdf", got.name)
	require.Contains(t, got.body, "%PDF-1.7 tariff")
}

func TestPutObjectError(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, http.StatusForbidden)
	_, err := store.PutObject(context.Background(), "tariffs/x/abc.pdf", "application/pdf", bytes.NewReader([]byte("data")))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestConstructorsValidate(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}
