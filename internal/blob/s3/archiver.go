package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// Archiver stores JSON documents under "<kind>/YYYY/MM/DD/<unix>.json" and
// reads the most recent one back. It works on any BlobWriter/BlobReader.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewArchiver creates an Archiver. reader may be nil when only writing.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader) *Archiver {
	return &Archiver{writer: writer, reader: reader}
}

// ArchivePath builds the object key for a document taken at t.
//
//	reconciliation/2026/10/17/1792195200.json
func ArchivePath(kind string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%s/%d.json", kind, t.Format("2006/01/02"), t.Unix())
}

// Archive marshals v and uploads it, returning the object path.
func (a *Archiver) Archive(ctx context.Context, kind string, at time.Time, v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := ArchivePath(kind, at)
	if err := a.writer.Put(ctx, path, &buf, "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}
	return path, nil
}

// Latest returns the raw JSON of the newest document of kind.
func (a *Archiver) Latest(ctx context.Context, kind string) (string, []byte, error) {
	if a.reader == nil {
		return "", nil, fmt.Errorf("s3blob: latest %s: %w", kind, domain.ErrNotFound)
	}
	infos, err := a.reader.List(ctx, kind+"/")
	if err != nil {
		return "", nil, err
	}

	var paths []string
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			paths = append(paths, info.Path)
		}
	}
	if len(paths) == 0 {
		return "", nil, fmt.Errorf("s3blob: latest %s: %w", kind, domain.ErrNotFound)
	}
	// Day directories sort lexically and unix seconds have equal width
	// for the foreseeable future.
	sort.Strings(paths)
	latest := paths[len(paths)-1]

	body, err := a.reader.Get(ctx, latest)
	if err != nil {
		return "", nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return "", nil, fmt.Errorf("s3blob: read %s: %w", latest, err)
	}
	return latest, data, nil
}
