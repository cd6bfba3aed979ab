package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFSStore 透過 IPFS daemon 的 HTTP API 儲存密文
type IPFSStore struct {
	sh      *shell.Shell
	timeout time.Duration
}

// NewIPFSStore 連接 IPFS daemon，url 例如 localhost:5002
func NewIPFSStore(url string, timeout time.Duration) *IPFSStore {
	return &IPFSStore{
		sh:      shell.NewShellWithClient(url, &http.Client{Timeout: timeout}),
		timeout: timeout,
	}
}

// Store 加入 IPFS 並 pin，返回 CID
func (s *IPFSStore) Store(ctx context.Context, data []byte) (string, error) {
	type result struct {
		cid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		cid, err := s.sh.Add(bytes.NewReader(data), shell.Pin(true))
		done <- result{cid, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", classifyIPFSError(r.err)
		}
		return r.cid, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

// Fetch 以 CID 讀取內容
// Cat 對存在但找不到的 CID 沒有逾時，由 context 與 http client 限制
func (s *IPFSStore) Fetch(ctx context.Context, contentHash string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		content, err := s.sh.Cat(contentHash)
		if err != nil {
			done <- result{nil, err}
			return
		}
		defer content.Close()
		data, err := io.ReadAll(content)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classifyIPFSError(r.err)
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

func (s *IPFSStore) Ping(context.Context) error {
	if !s.sh.IsUp() {
		return ErrUnavailable
	}
	return nil
}

func classifyIPFSError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid cid"),
		strings.Contains(msg, "invalid path"),
		strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
