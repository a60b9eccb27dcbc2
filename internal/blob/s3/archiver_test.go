package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func TestArchivePath(t *testing.T) {
	at := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	got := ArchivePath("reconciliation", at)
	want := "reconciliation/2026/10/17/1792224000.json"
	if got != want {
		t.Fatalf("ArchivePath=%s, expected %s", got, want)
	}
}

func TestArchiverRoundTripLatest(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs)

	first := time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)
	second := first.Add(2 * time.Hour)
	if _, err := a.Archive(ctx, "reconciliation", first, map[string]int{"mutations": 3}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	path, err := a.Archive(ctx, "reconciliation", second, map[string]int{"mutations": 0})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	gotPath, data, err := a.Latest(ctx, "reconciliation")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if gotPath != path {
		t.Fatalf("latest=%s, expected %s", gotPath, path)
	}
	if !strings.Contains(string(data), `"mutations": 0`) {
		t.Fatalf("data=%s, expected newest report", data)
	}
}

func TestArchiverLatestEmpty(t *testing.T) {
	a := NewArchiver(newMemBlobs(), newMemBlobs())
	if _, _, err := a.Latest(context.Background(), "reconciliation"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v, expected ErrNotFound", err)
	}
	if _, _, err := NewArchiver(newMemBlobs(), nil).Latest(context.Background(), "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("nil reader err=%v, expected ErrNotFound", err)
	}
}

func TestClientKeys(t *testing.T) {
	tests := []struct {
		prefix, path, want string
	}{
		{"", "reconciliation/2026/10/17/a.json", "reconciliation/2026/10/17/a.json"},
		{"dcabot/prod", "reconciliation/a.json", "dcabot/prod/reconciliation/a.json"},
		{"dcabot/prod", "/reconciliation/a.json", "dcabot/prod/reconciliation/a.json"},
	}
	for _, tt := range tests {
		c := &Client{prefix: tt.prefix}
		key := c.objectKey(tt.path)
		if key != tt.want {
			t.Fatalf("objectKey(%q)=%q, expected %q", tt.path, key, tt.want)
		}
		if rel := c.relativeKey(key); rel != strings.TrimPrefix(tt.path, "/") {
			t.Fatalf("relativeKey(%q)=%q, expected %q", key, rel, strings.TrimPrefix(tt.path, "/"))
		}
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		endpoint string
		ssl      bool
		want     string
	}{
		{"https://e2.example.com", false, "https://e2.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"minio:9000", true, "https://minio:9000"},
		{"s3.example.com", true, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := endpointURL(tt.endpoint, tt.ssl); got != tt.want {
			t.Fatalf("endpointURL(%q, %v)=%q, expected %q", tt.endpoint, tt.ssl, got, tt.want)
		}
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), ClientConfig{Region: "us-east-1"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err=%v, expected ErrValidation", err)
	}
}
