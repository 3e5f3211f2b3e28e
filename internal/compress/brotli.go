// Package compress wraps Brotli compression for DATA payloads at
// quality 10 (the encoder's text mode and size hint are not set; the
// writer uses the library's defaults for both) and offers a bounded worker pool so the CPU-heavy compress/decompress
// step never runs on the owning role's single executor goroutine
// (spec.md §5).
//
// Grounded on github.com/andybalholm/brotli (direct dependency in
// Nexus-2023-avail-nitro-adapter, snapetech-plexTuner,
// postmanlabs-observability-cli); the worker pool's admission gate is
// grounded on m-lab-etl/active/throttle.go's wsTokenSource, which uses
// golang.org/x/sync/semaphore.Weighted the same way.
package compress

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"golang.org/x/sync/semaphore"
)

const brotliQuality = 10

// Compress brotli-compresses data at the quality level spec.md §6
// pins, with the window size left at the library default.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterOptions(&buf, brotli.WriterOptions{
		Quality: brotliQuality,
	})
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("compress: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. Any corruption or truncation is
// reported as an error for the caller to count as DecompressFailure
// (spec.md §7).
func Decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// Pool bounds concurrent compress/decompress work so a burst of large
// batches can't starve the role executor of CPU. It is intentionally
// tiny: compression is the one long-CPU step called out in spec.md §5,
// everything else in the pipeline is synchronous.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool admitting at most maxConcurrent compress or
// decompress operations at a time.
func NewPool(maxConcurrent int64) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Result is delivered back to the caller's continuation once a
// worker-pool job completes; it carries either Data or Err, never
// both.
type Result struct {
	Data []byte
	Err  error
}

// CompressAsync runs Compress on a pooled worker goroutine and
// delivers the Result on the returned channel (buffered, capacity 1,
// so the worker never blocks on a slow or absent reader). ctx
// cancellation surfaces as a Result.Err rather than a panic.
func (p *Pool) CompressAsync(ctx context.Context, data []byte) <-chan Result {
	return p.runAsync(ctx, func() ([]byte, error) { return Compress(data) })
}

// DecompressAsync is the decompress counterpart of CompressAsync.
func (p *Pool) DecompressAsync(ctx context.Context, data []byte) <-chan Result {
	return p.runAsync(ctx, func() ([]byte, error) { return Decompress(data) })
}

func (p *Pool) runAsync(ctx context.Context, work func() ([]byte, error)) <-chan Result {
	out := make(chan Result, 1)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		out <- Result{Err: fmt.Errorf("compress: pool admission: %w", err)}
		close(out)
		return out
	}
	go func() {
		defer p.sem.Release(1)
		data, err := work()
		out <- Result{Data: data, Err: err}
		close(out)
	}()
	return out
}
