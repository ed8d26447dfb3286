package evidence

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_Errors(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	_, err = sink.Get(ctx, "md5:abc")
	require.Error(t, err)
	_, err = sink.Get(ctx, "sha256:../../etc/passwd")
	require.Error(t, err)
	_, err = sink.Get(ctx, "sha256:"+strings.Repeat("0", 64))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewSink(t *testing.T) {
	ctx := context.Background()

	s, err := NewSink(ctx, SinkConfig{Type: SinkFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)

	_, err = NewSink(ctx, SinkConfig{Type: SinkFS})
	require.Error(t, err)
	_, err = NewSink(ctx, SinkConfig{Type: SinkS3})
	require.ErrorContains(t, err, "bucket is required")
	_, err = NewSink(ctx, SinkConfig{Type: SinkGCS})
	require.ErrorContains(t, err, "bucket is required")
	_, err = NewSink(ctx, SinkConfig{Type: "tape"})
	require.ErrorContains(t, err, "unsupported evidence sink")
}

// fakeS3 serves path-style HEAD, PUT and GET for one bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.URL.Path
	switch r.Method {
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.puts++
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Sink_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	sink := NewS3SinkWithClient(client, "evidence-bucket", "runs/")

	data := []byte("{\"kind\":\"config\"}\n")
	obj, err := sink.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.Location, "s3://evidence-bucket/runs/"))

	_, err = sink.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)

	got, err := sink.Get(ctx, obj.Hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = sink.Get(ctx, "sha256:"+strings.Repeat("a", 64))
	require.ErrorIs(t, err, ErrNotFound)
}
