package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vietddude/ingestkit/internal/infra/httpclient/retry"
)

// DownloadResult describes a completed download.
type DownloadResult struct {
	Path       string
	Bytes      int64
	StatusCode int
	Header     http.Header
	RequestID  string
	Attempts   int
	Duration   time.Duration
}

// partSuffix marks an in-flight download next to its destination.
const partSuffix = ".part"

// ChunkFunc observes every chunk written to the destination. A retried
// transfer restarts from the first byte.
type ChunkFunc func(chunk []byte)

// Download streams the response body of req into dest in bounded chunks. The
// body is written to dest+".part" and renamed over dest once the transfer
// completes. The retry contract wraps the whole transfer: every attempt
// rewrites the part file from scratch, and on exhaustion or cancellation only
// the part file is removed. A file already at dest is untouched by a failed call.
//
// Allowed non-2xx statuses (e.g. 304) succeed without writing a file.
func (c *Client) Download(ctx context.Context, req Request, dest string, onChunk ChunkFunc) (*DownloadResult, error) {
	ctx, p, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if dest == "" {
		return nil, &Error{
			Kind:          ErrInvalidRequest,
			Integration:   c.integration,
			Method:        p.method,
			URL:           p.safeURL,
			CorrelationID: p.correlationID,
			Err:           errors.New("empty destination path"),
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}

	part := dest + partSuffix
	result := &DownloadResult{Path: dest}
	buf := make([]byte, p.chunkSize)
	written := false

	sum, err := c.execute(ctx, p, func(r *http.Response, outcome retry.Outcome) (retry.Outcome, error) {
		if outcome.Kind != retry.KindSuccess {
			drain(r.Body)
			return outcome, nil
		}
		result.StatusCode = r.StatusCode
		result.Header = r.Header
		result.RequestID = requestID(r.Header)
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			drain(r.Body)
			result.Bytes = 0
			written = false
			return outcome, nil
		}

		n, err := writeChunks(r.Body, part, buf, onChunk)
		if err != nil {
			removePartial(part)
			return classifyTransportError(err), fmt.Errorf("stream body: %w", err)
		}
		result.Bytes = n
		written = true
		return outcome, nil
	})
	if err != nil {
		removePartial(part)
		return nil, err
	}
	if written {
		if err := os.Rename(part, dest); err != nil {
			removePartial(part)
			return nil, fmt.Errorf("move download into place: %w", err)
		}
	}

	result.Attempts = sum.attempts
	result.Duration = sum.duration
	return result, nil
}

func writeChunks(body io.Reader, dest string, buf []byte, onChunk ChunkFunc) (int64, error) {
	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}

	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := f.Write(chunk); werr != nil {
				_ = f.Close()
				return written, werr
			}
			written += int64(n)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = f.Close()
			return written, rerr
		}
	}
	return written, f.Close()
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to remove partial download", "path", path, "error", err)
	}
}
