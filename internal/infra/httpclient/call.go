package httpclient

import "context"

// Call is an in-flight request started with Go or GoDownload. The calling
// goroutine is free while the request waits on I/O or backoff; Wait collects
// the result. Retry and timeout semantics are identical to Do and Download.
type Call[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	value  T
	err    error
}

func startCall[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Call[T] {
	ctx, cancel := context.WithCancel(ctx)
	call := &Call[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(call.done)
		defer cancel()
		call.value, call.err = fn(ctx)
	}()
	return call
}

// Done is closed once the call has resolved.
func (c *Call[T]) Done() <-chan struct{} {
	return c.done
}

// Cancel aborts the in-flight connection. For downloads the partial file is
// removed exactly as on failure.
func (c *Call[T]) Cancel() {
	c.cancel()
}

// Wait blocks until the call resolves.
func (c *Call[T]) Wait() (T, error) {
	<-c.done
	return c.value, c.err
}

// Go starts req without blocking the caller.
func (c *Client) Go(ctx context.Context, req Request) *Call[*Response] {
	return startCall(ctx, func(ctx context.Context) (*Response, error) {
		return c.Do(ctx, req)
	})
}

// GoDownload starts a download without blocking the caller.
func (c *Client) GoDownload(ctx context.Context, req Request, dest string, onChunk ChunkFunc) *Call[*DownloadResult] {
	return startCall(ctx, func(ctx context.Context) (*DownloadResult, error) {
		return c.Download(ctx, req, dest, onChunk)
	})
}
