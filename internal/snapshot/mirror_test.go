package snapshot

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	geoconfig "github.com/dbsmedya/geomatch/internal/config"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	panic("multipart not expected for small objects")
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	panic("multipart not expected for small objects")
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	panic("multipart not expected for small objects")
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3Mirror(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	m := NewS3MirrorWithClient(client, "bucket", "geomatch/snaps", nil)
	assert.Equal(t, "s3://bucket/geomatch/snaps", m.Name())

	s := newTestStore(t, CompressionZstd)
	s.WithMirror(m)
	snap, err := s.Write(context.Background(), Snapshot{RunID: "r"}, writePayload(t, map[string]string{"images.bin": "abc"}))
	require.NoError(t, err)

	local, err := os.ReadFile(filepath.Join(s.Dir(), snap.ID+".snap"))
	require.NoError(t, err)
	assert.Equal(t, local, client.objects["bucket/geomatch/snaps/"+snap.ID+".snap"])
	assert.Contains(t, string(client.objects["bucket/geomatch/snaps/"+snap.ID+".json"]), snap.SHA256)
}

func TestLimitedReader(t *testing.T) {
	data := strings.Repeat("x", 4096)
	limiter := rate.NewLimiter(rate.Limit(1<<20), 1024)
	r := throttle(context.Background(), strings.NewReader(data), limiter)

	var out bytes.Buffer
	_, err := io.Copy(&out, r)
	require.NoError(t, err)
	assert.Equal(t, data, out.String())
}

func TestLimitedReader_Cancelled(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := throttle(ctx, strings.NewReader("abcdef"), limiter)
	_, err := io.ReadAll(r)
	assert.Error(t, err)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0))
	l := NewLimiter(2)
	require.NotNil(t, l)
	assert.Equal(t, 2*1024*1024, l.Burst())
}

func TestNewMirror(t *testing.T) {
	m, err := NewMirror(context.Background(), geoconfig.MirrorConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = NewMirror(context.Background(), geoconfig.MirrorConfig{Backend: "ftp"})
	assert.Error(t, err)

	mm, err := NewMirror(context.Background(), geoconfig.MirrorConfig{
		Backend:  "minio",
		Endpoint: "localhost:9000",
		Bucket:   "snaps",
		Prefix:   "p",
	})
	require.NoError(t, err)
	assert.Equal(t, "minio://snaps/p", mm.Name())
}
