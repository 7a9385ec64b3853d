package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/qahub/qahub/internal/protocol"
)

// ErrNotFound reports a cid absent from the store.
var ErrNotFound = errors.New("blob not found")

// DefaultTimeout bounds gateway requests when the caller supplies no client.
// Downloads run on message-handling paths that must never hang on the network.
const DefaultTimeout = 30 * time.Second

// Store is the content-addressed blob service snapshots are uploaded to. The
// cid locates content; it does not authenticate it.
type Store interface {
	Upload(ctx context.Context, data []byte) (cid string, err error)
	Download(ctx context.Context, cid string) ([]byte, error)
}

// HTTP talks to a codex-style blob gateway: POST body returns the cid as
// plain text, GET /<cid> returns the content.
type HTTP struct {
	base   string
	client *http.Client
}

// NewHTTP creates a gateway-backed store.
func NewHTTP(base string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTP{base: base, client: client}
}

func (s *HTTP) Upload(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("blob upload failed: %s", resp.Status)
	}
	cid, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(cid)) == 0 {
		return "", errors.New("blob upload returned empty cid")
	}
	return string(bytes.TrimSpace(cid)), nil
}

func (s *HTTP) Download(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/"+cid, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob download failed: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Memory is an in-process store addressing blobs by content hash.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: map[string][]byte{}}
}

func (s *Memory) Upload(_ context.Context, data []byte) (string, error) {
	cid := protocol.HashBytes(data)
	s.mu.Lock()
	s.blobs[cid] = append([]byte(nil), data...)
	s.mu.Unlock()
	return cid, nil
}

func (s *Memory) Download(_ context.Context, cid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[cid]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
