// Package idempotency derives stable fingerprints for ETL inputs.
//
// A key is computed from exactly one input class, picked in this order:
// remote metadata (ETag, Last-Modified, ...), local file identity, raw content.
// Equal inputs always produce equal keys; the digest is SHA-256.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vietddude/ingestkit/internal/core/domain"
)

// ErrNoInputProvided is returned when none of the input classes is usable.
var ErrNoInputProvided = errors.New("idempotency: no input provided")

// Key prefixes per input class.
const (
	prefixRemote  = "meta:"
	prefixFile    = "file:"
	prefixContent = "sha256:"
)

// StableRemoteFields are the only remote metadata fields that contribute to a key.
var StableRemoteFields = []string{"content_length", "content_md5", "etag", "last_modified"}

// Input holds the candidate sources for a key. The first usable one wins.
type Input struct {
	Remote  map[string]any
	Path    string
	Content []byte
}

// Compute derives the idempotency key for in.
func Compute(in Input) (domain.IdempotencyKey, error) {
	if fields := StableRemote(in.Remote); len(fields) > 0 {
		return remoteKey(fields)
	}
	if in.Path != "" {
		return fileKey(in.Path)
	}
	if len(in.Content) > 0 {
		return ContentKey(in.Content), nil
	}
	return "", ErrNoInputProvided
}

// ContentKey hashes raw bytes directly.
func ContentKey(content []byte) domain.IdempotencyKey {
	sum := sha256.Sum256(content)
	return domain.IdempotencyKey(prefixContent + hex.EncodeToString(sum[:]))
}

// StableRemote normalises remote metadata and keeps only the stable fields.
// Nil and blank values are dropped.
func StableRemote(remote map[string]any) map[string]string {
	if len(remote) == 0 {
		return nil
	}
	out := make(map[string]string)
	for k, v := range remote {
		name := normalizeField(k)
		if !isStableField(name) || v == nil {
			continue
		}
		s := strings.TrimSpace(coerce(v))
		if s == "" {
			continue
		}
		out[name] = s
	}
	return out
}

// FromHeaders extracts remote metadata from response headers.
func FromHeaders(h http.Header) map[string]any {
	out := make(map[string]any)
	for _, name := range []string{"ETag", "Last-Modified", "Content-Length", "Content-MD5"} {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

func remoteKey(fields map[string]string) (domain.IdempotencyKey, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	tuple := make([][2]string, 0, len(names))
	for _, name := range names {
		tuple = append(tuple, [2]string{name, fields[name]})
	}
	return digest(prefixRemote, tuple)
}

type fileIdentity struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	MtimeNs int64  `json:"mtime_ns"`
}

func fileKey(path string) (domain.IdempotencyKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	return digest(prefixFile, fileIdentity{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		MtimeNs: info.ModTime().UnixNano(),
	})
}

func digest(prefix string, v any) (domain.IdempotencyKey, error) {
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode key input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return domain.IdempotencyKey(prefix + hex.EncodeToString(sum[:])), nil
}

func normalizeField(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "_", " ", "_").Replace(name)
}

func isStableField(name string) bool {
	for _, f := range StableRemoteFields {
		if f == name {
			return true
		}
	}
	return false
}

func coerce(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(http.TimeFormat)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
