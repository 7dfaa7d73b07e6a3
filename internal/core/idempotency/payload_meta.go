package idempotency

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vietddude/ingestkit/internal/core/redact"
)

// MetaInput collects descriptive fields for a load log row.
// None of them takes part in uniqueness.
type MetaInput struct {
	Path      string
	Remote    map[string]any
	SourceURL string
	Extra     map[string]any
}

// BuildPayloadMeta aggregates file, remote, URL and caller fields.
// Later sources override earlier ones: file < remote < source_url < extra.
func BuildPayloadMeta(in MetaInput) (map[string]any, error) {
	meta := make(map[string]any)

	if in.Path != "" {
		info, err := os.Stat(in.Path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", in.Path, err)
		}
		meta["filename"] = filepath.Base(in.Path)
		meta["size"] = info.Size()
		meta["mtime"] = float64(info.ModTime().UnixNano()) / 1e9
	}

	for name, value := range StableRemote(in.Remote) {
		meta[name] = value
	}

	if in.SourceURL != "" {
		meta["source_url"] = redact.URL(in.SourceURL)
	}

	for k, v := range in.Extra {
		meta[k] = v
	}
	return meta, nil
}
