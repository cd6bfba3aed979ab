package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"custody-gateway/internal/platform/config"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	hash, err := s.Store(ctx, []byte("ciphertext"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "sha256:"))

	again, err := s.Store(ctx, []byte("ciphertext"))
	require.NoError(t, err)
	assert.Equal(t, hash, again, "content addressed")

	data, err := s.Fetch(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), data)

	_, err = s.Fetch(ctx, "sha256:missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Ping(ctx))
}

// fakeS3 以 map 模擬 bucket
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Bucket+"/"+*params.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*params.Bucket+"/"+*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*params.Bucket+"/"+*params.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3StoreWithClient(fake, "records", "blobs/")

	payload := []byte{0x01, 0x02, 0x03}
	hash, err := s.Store(ctx, payload)
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), hash)
	assert.Contains(t, fake.objects, "records/blobs/"+hex.EncodeToString(sum[:])+".blob")

	// 相同內容不重複上傳
	_, err = s.Store(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)

	data, err := s.Fetch(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = s.Fetch(ctx, "sha256:"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Fetch(ctx, "QmNotSha256")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Ping(ctx))
	fake.headErr = errors.New("access denied")
	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
}

// fakeIPFS 模擬 IPFS daemon 的 add、cat、id 指令
func fakeIPFS(t *testing.T) (*httptest.Server, map[string][]byte) {
	t.Helper()
	var mu sync.Mutex
	blobs := make(map[string][]byte)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		reader, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		part, err := reader.NextPart()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(part)
		sum := sha256.Sum256(data)
		cid := "Qm" + hex.EncodeToString(sum[:])[:44]

		mu.Lock()
		blobs[cid] = data
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"Name": cid, "Hash": cid, "Size": "0"})
	})
	mux.HandleFunc("/api/v0/cat", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		data, ok := blobs[r.URL.Query().Get("arg")]
		mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"Message": "block was not found locally (offline)", "Code": 0, "Type": "error",
			})
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/api/v0/id", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ID": "12D3KooWfake"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, blobs
}

func TestIPFSStore(t *testing.T) {
	ctx := context.Background()
	srv, blobs := fakeIPFS(t)
	s := NewIPFSStore(srv.URL, 5*time.Second)

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	cid, err := s.Store(ctx, payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cid, "Qm"))
	assert.Equal(t, payload, blobs[cid])

	data, err := s.Fetch(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = s.Fetch(ctx, "QmDoesNotExist")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Ping(ctx))
}

func TestIPFSStore_Unreachable(t *testing.T) {
	srv, _ := fakeIPFS(t)
	url := srv.URL
	srv.Close()

	s := NewIPFSStore(url, time.Second)
	_, err := s.Store(context.Background(), []byte("x"))
	assert.Error(t, err)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrUnavailable)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.BlobStoreConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(ctx, config.BlobStoreConfig{Backend: "ipfs", IPFSURL: "localhost:5002"})
	require.NoError(t, err)
	assert.IsType(t, &IPFSStore{}, s)

	_, err = New(ctx, config.BlobStoreConfig{Backend: "tape"})
	assert.Error(t, err)
}
