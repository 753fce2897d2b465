package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	puts    map[string]string
	types   map[string]string
	headErr error
}

func (f *fakeAPI) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string]string{}
		f.types = map[string]string{}
	}
	f.puts[*in.Key] = string(body)
	if in.ContentType != nil {
		f.types[*in.Key] = *in.ContentType
	}
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *awss3.HeadObjectInput, _ ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.puts[*in.Key]; ok {
		return &awss3.HeadObjectOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func TestPutAndExists(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	store, err := New(api, Config{Bucket: "mirror", Region: "eu-west-1"})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "assets/a.png")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(ctx, "assets/a.png", "image/png", strings.NewReader("png")))
	require.Equal(t, "png", api.puts["assets/a.png"])
	require.Equal(t, "image/png", api.types["assets/a.png"])

	ok, err = store.Exists(ctx, "assets/a.png")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExistsClassifiesErrors(t *testing.T) {
	t.Parallel()

	store, err := New(&fakeAPI{headErr: &smithy.GenericAPIError{Code: "NoSuchKey"}}, Config{Bucket: "mirror"})
	require.NoError(t, err)
	ok, err := store.Exists(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)

	store, err = New(&fakeAPI{headErr: errors.New("access denied")}, Config{Bucket: "mirror"})
	require.NoError(t, err)
	_, err = store.Exists(context.Background(), "k")
	require.ErrorContains(t, err, "access denied")
}

func TestURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"virtual host", Config{Bucket: "mirror", Region: "eu-west-1"}, "https://mirror.s3.eu-west-1.amazonaws.com/a/b.png"},
		{"path style", Config{Bucket: "mirror", ForcePathStyle: true}, "https://s3.us-east-1.amazonaws.com/mirror/a/b.png"},
		{"endpoint", Config{Bucket: "mirror", Endpoint: "http://minio:9000/"}, "http://minio:9000/mirror/a/b.png"},
		{"public base", Config{Bucket: "mirror", PublicBaseURL: "https://cdn.example"}, "https://cdn.example/a/b.png"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(&fakeAPI{}, tt.cfg)
			require.NoError(t, err)
			require.Equal(t, tt.want, store.URL("a/b.png"))
		})
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&fakeAPI{}, Config{})
	require.Error(t, err)
}
