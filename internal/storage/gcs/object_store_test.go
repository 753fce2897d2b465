package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(t *testing.T, status int, body string) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{
					StatusCode: status,
					Body:       io.NopCloser(strings.NewReader(body)),
					Header:     http.Header{"Content-Type": {"application/json"}},
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.StatusOK, `{}`)
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestURL(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.StatusOK, `{}`)
	store, err := New(client, Config{Bucket: "mirror"})
	require.NoError(t, err)
	require.Equal(t, "https://storage.googleapis.com/mirror/assets/p/a.png", store.URL("assets/p/a.png"))

	cdn, err := New(client, Config{Bucket: "mirror", PublicBaseURL: "https://cdn.example/"})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/assets/p/a.png", cdn.URL("/assets/p/a.png"))
}

func TestExists(t *testing.T) {
	t.Parallel()

	found := newTestClient(t, http.StatusOK, `{"name":"assets/a.png","bucket":"mirror"}`)
	store, err := New(found, Config{Bucket: "mirror"})
	require.NoError(t, err)
	ok, err := store.Exists(context.Background(), "assets/a.png")
	require.NoError(t, err)
	require.True(t, ok)

	missing := newTestClient(t, http.StatusNotFound, `{"error":{"code":404,"message":"No such object"}}`)
	store, err = New(missing, Config{Bucket: "mirror"})
	require.NoError(t, err)
	ok, err = store.Exists(context.Background(), "assets/a.png")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutRequiresKey(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.StatusOK, `{}`)
	store, err := New(client, Config{Bucket: "mirror"})
	require.NoError(t, err)
	require.Error(t, store.Put(context.Background(), " ", "image/png", strings.NewReader("x")))
}
