package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards a bytes.Buffer shared with the render goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressBar_RendersOnTerminal(t *testing.T) {
	out := &syncBuffer{}
	pb := newProgressBar(out, true, 4, 8)
	pb.refresh = 10 * time.Millisecond
	pb.SetPrefix("cache ")
	pb.Start()
	pb.Increment()
	pb.Increment()
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("2/4"))
	}, time.Second, 10*time.Millisecond)
	pb.Stop()
	pb.Stop()

	assert.Contains(t, out.String(), "cache ")
	assert.Contains(t, out.String(), "████░░░░")
}

func TestProgressBar_SilentWhenNotTerminal(t *testing.T) {
	out := &syncBuffer{}
	pb := newProgressBar(out, false, 2, 10)
	pb.Start()
	pb.Increment()
	pb.Increment()
	pb.Increment()
	pb.Stop()

	assert.Equal(t, 2, pb.Current())
	assert.Empty(t, out.String())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", formatDuration(-time.Second))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2m05s", formatDuration(125*time.Second))
	assert.Equal(t, "1h01m01s", formatDuration(3661*time.Second))
}

func TestProgressBar_LogWriterPrintsAboveBar(t *testing.T) {
	out := &syncBuffer{}
	pb := newProgressBar(out, true, 2, 4)
	pb.refresh = time.Hour
	pb.SetPrefix("cache ")
	pb.Start()
	assert.Eventually(t, func() bool { return strings.Contains(out.String(), "0/2") }, time.Second, 5*time.Millisecond)

	pb.Increment()
	_, err := pb.LogWriter().Write([]byte("WARN standby\n"))
	assert.NoError(t, err)
	pb.Stop()

	got := out.String()
	logAt := strings.Index(got, "\033[2K\rWARN standby\n")
	require.GreaterOrEqual(t, logAt, 0, got)
	assert.Contains(t, got[logAt:], "1/2")
}

func TestProgressBar_LogWriterPassesThroughWhenIdle(t *testing.T) {
	out := &syncBuffer{}
	pb := newProgressBar(out, true, 1, 4)
	_, err := pb.LogWriter().Write([]byte("INFO hello\n"))
	assert.NoError(t, err)
	assert.Equal(t, "INFO hello\n", out.String())
}
