package retry //nolint:testpackage

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"

	"github.com/fedora-eln/distrobaker/internal/logging"
)

func loggedCtx() (context.Context, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logging.ContextWithLogger(context.Background(), logger), &buf
}

func TestDoEventualSuccess(t *testing.T) {
	ctx, buf := loggedCtx()
	calls := 0
	err := Do(ctx, 3, "Cloning", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, buf.String(), "Cloning attempt #1/3 failed, retrying.")
	assert.Contains(t, buf.String(), "Cloning attempt #2/3 failed, retrying.")
}

func TestDoExhaustsAttempts(t *testing.T) {
	ctx, _ := loggedCtx()
	calls := 0
	err := Do(ctx, 4, "Fetching", func() error {
		calls++
		return errors.Errorf("boom %d", calls)
	})
	assert.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "boom 4")
}

func TestDoSingleAttemptFloor(t *testing.T) {
	ctx, buf := loggedCtx()
	calls := 0
	err := Do(ctx, 0, "Pushing", func() error {
		calls++
		return errors.New("nope")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, strings.Contains(buf.String(), "retrying"))
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, _ := loggedCtx()
	ctx, cancel := context.WithCancel(ctx)
	calls := 0
	err := Do(ctx, 100, "Looping", func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("transient")
	})
	assert.Error(t, err)
	assert.True(t, calls < 100, "expected cancellation to stop retries, got %d calls", calls)
}
