package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rafabd1/Nettle/internal/utils"
)

// ProgressBar draws a single-line counter of analyzed endpoints on a terminal.
// On anything that is not a terminal it stays silent. Log output routed
// through LogWriter is printed above the bar instead of over it.
type ProgressBar struct {
	outMu        sync.Mutex // serializes every write to writer; taken before mu
	mu           sync.Mutex
	total        int
	current      int
	width        int
	refresh      time.Duration
	startTime    time.Time
	done         chan struct{}
	stopped      chan struct{}
	writer       io.Writer
	enabled      bool
	isActive     bool
	spinner      int
	spinnerChars []string
	prefix       string
}

// NewProgressBar creates a bar on stderr. It renders only when stderr is a terminal.
func NewProgressBar(total int, width int) *ProgressBar {
	return newProgressBar(os.Stderr, utils.IsTerminal(os.Stderr), total, width)
}

func newProgressBar(w io.Writer, enabled bool, total, width int) *ProgressBar {
	return &ProgressBar{
		total:        total,
		width:        width,
		refresh:      250 * time.Millisecond,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		writer:       w,
		enabled:      enabled,
		spinnerChars: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
	}
}

// SetTotal sets the number of items to finish.
func (pb *ProgressBar) SetTotal(total int) {
	pb.mu.Lock()
	pb.total = total
	if pb.current > total {
		pb.current = total
	}
	pb.mu.Unlock()
}

// LogWriter returns a writer sharing the bar's output. While the bar is drawn,
// each write clears the bar line first and redraws the bar afterwards.
func (pb *ProgressBar) LogWriter() io.Writer {
	return logWriter{pb}
}

type logWriter struct{ pb *ProgressBar }

func (l logWriter) Write(p []byte) (int, error) {
	pb := l.pb
	pb.outMu.Lock()
	defer pb.outMu.Unlock()

	pb.mu.Lock()
	drawn := pb.enabled && pb.isActive
	line := ""
	if drawn {
		line = pb.line(time.Since(pb.startTime))
	}
	pb.mu.Unlock()

	if !drawn {
		return pb.writer.Write(p)
	}
	fmt.Fprint(pb.writer, "\033[2K\r")
	n, err := pb.writer.Write(p)
	if err != nil {
		return n, err
	}
	fmt.Fprint(pb.writer, line)
	return n, nil
}

// SetPrefix sets the text drawn before the bar.
func (pb *ProgressBar) SetPrefix(prefix string) {
	pb.mu.Lock()
	pb.prefix = prefix
	pb.mu.Unlock()
}

// Start begins periodic rendering. Calling it twice is a no-op.
func (pb *ProgressBar) Start() {
	pb.mu.Lock()
	if pb.isActive {
		pb.mu.Unlock()
		return
	}
	pb.isActive = true
	pb.startTime = time.Now()
	pb.mu.Unlock()

	if !pb.enabled {
		close(pb.stopped)
		return
	}
	go func() {
		defer close(pb.stopped)
		ticker := time.NewTicker(pb.refresh)
		defer ticker.Stop()
		pb.render()
		for {
			select {
			case <-pb.done:
				return
			case <-ticker.C:
				pb.render()
			}
		}
	}()
}

// Increment records one more finished item.
func (pb *ProgressBar) Increment() {
	pb.mu.Lock()
	if pb.current < pb.total {
		pb.current++
	}
	pb.mu.Unlock()
}

// Current returns the number of finished items.
func (pb *ProgressBar) Current() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.current
}

// Stop ends rendering and clears the line. It waits for the render loop to exit.
func (pb *ProgressBar) Stop() {
	pb.mu.Lock()
	if !pb.isActive {
		pb.mu.Unlock()
		return
	}
	pb.isActive = false
	close(pb.done)
	pb.mu.Unlock()

	<-pb.stopped
	if pb.enabled {
		pb.outMu.Lock()
		fmt.Fprint(pb.writer, "\033[2K\r")
		pb.outMu.Unlock()
	}
}

func (pb *ProgressBar) render() {
	pb.mu.Lock()
	if !pb.isActive {
		pb.mu.Unlock()
		return
	}
	pb.spinner = (pb.spinner + 1) % len(pb.spinnerChars)
	line := pb.line(time.Since(pb.startTime))
	pb.mu.Unlock()

	pb.outMu.Lock()
	fmt.Fprint(pb.writer, "\033[2K\r"+line)
	pb.outMu.Unlock()
}

// line formats the bar. Callers hold pb.mu.
func (pb *ProgressBar) line(elapsed time.Duration) string {
	filled := 0
	if pb.total > 0 {
		filled = pb.width * pb.current / pb.total
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pb.width-filled)
	return fmt.Sprintf("%s%s [%s] %d/%d | %s",
		pb.prefix, pb.spinnerChars[pb.spinner], bar, pb.current, pb.total, formatDuration(elapsed))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < 0 {
		d = 0
	}
	s := int(d.Seconds())
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	if s < 3600 {
		return fmt.Sprintf("%dm%02ds", s/60, s%60)
	}
	return fmt.Sprintf("%dh%02dm%02ds", s/3600, (s/60)%60, s%60)
}
