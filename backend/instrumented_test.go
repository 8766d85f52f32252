package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return NewInstrumentedBackend(fs, "filesystem")
}

func TestInstrumentedBackend_RoundTrip(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "stickers/s1.png", strings.NewReader("hello")))

	rc, err := ib.Read(ctx, "stickers/s1.png")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.NoError(t, rc.Close())

	size, err := ib.Size(ctx, "stickers/s1.png")
	require.NoError(t, err)
	require.EqualValues(t, 5, size)

	keys, err := ib.List(ctx, "stickers")
	require.NoError(t, err)
	require.Equal(t, []string{"stickers/s1.png"}, keys)

	require.NoError(t, ib.Delete(ctx, "stickers/s1.png"))
	exists, err := ib.Exists(ctx, "stickers/s1.png")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_ReadNotFound(t *testing.T) {
	ib := newInstrumented(t)

	_, err := ib.Read(context.Background(), "APIData.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_PathDelegates(t *testing.T) {
	ib := newInstrumented(t)
	require.Equal(t, ib.Unwrap().Path("stickers/a.gif"), ib.Path("stickers/a.gif"))
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
