package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/sticker-cache/telemetry"
)

// InstrumentedBackend records metrics for every operation of the wrapped
// backend.
type InstrumentedBackend struct {
	backend LocalBackend
	name    string
}

// NewInstrumentedBackend wraps b, labelling its metrics with name.
func NewInstrumentedBackend(b LocalBackend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.record(ctx, "write", err, start, cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	ib.record(ctx, "read", err, start, 0)
	return rc, err
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.record(ctx, "delete", err, start, 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	ib.record(ctx, "exists", err, start, 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.record(ctx, "list", err, start, 0)
	return keys, err
}

func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Size(ctx, key)
	ib.record(ctx, "size", err, start, 0)
	return size, err
}

// Path is not instrumented; it does no I/O.
func (ib *InstrumentedBackend) Path(key string) string {
	return ib.backend.Path(key)
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() LocalBackend {
	return ib.backend
}

func (ib *InstrumentedBackend) record(ctx context.Context, op string, err error, start time.Time, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ LocalBackend = (*InstrumentedBackend)(nil)
