package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	return client
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive-bucket/o")
		assert.Equal(t, "progress/runs/r1.json", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"run_id":"r1"}`)
		fmt.Fprintln(w, `{"name":"progress/runs/r1.json","bucket":"archive-bucket"}`)
	})
	client := newTestClient(t, handler)

	bs, err := New(client, Config{Bucket: "archive-bucket", Prefix: "/progress/"})
	require.NoError(t, err)
	defer func() { require.NoError(t, bs.Close()) }()

	uri, err := bs.PutObject(context.Background(), "runs/r1.json", "application/json", strings.NewReader(`{"run_id":"r1"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://archive-bucket/progress/runs/r1.json", uri)
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	})
	client := newTestClient(t, handler)
	bs, err := New(client, Config{Bucket: "archive-bucket"})
	require.NoError(t, err)

	_, err = bs.PutObject(context.Background(), "runs/r1.json", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)

	bs, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = bs.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}
