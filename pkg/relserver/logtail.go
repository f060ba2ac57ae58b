package relserver

import (
	"container/ring"
	"io"
	"strings"
	"sync"
)

// LogTail remembers the last N log lines so the control socket can serve
// them without the daemon having to know where the syslog went.
type LogTail struct {
	lines *ring.Ring
	mu    sync.Mutex
}

func NewLogTail(capacity int) *LogTail {
	return &LogTail{
		lines: ring.New(capacity),
	}
}

func (t *LogTail) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines.Value = line
	t.lines = t.lines.Next()
}

// Snapshot returns the remembered lines, oldest first.
func (t *LogTail) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	collected := []string{}

	t.lines.Do(func(val any) {
		if line, got := val.(string); got {
			collected = append(collected, line)
		}
	})

	return collected
}

// Writer adapts the tail into a log sink: complete lines written to the
// returned writer both pass through to sink and land in the tail.
func (t *LogTail) Writer(sink io.Writer) io.Writer {
	return io.MultiWriter(sink, &lineSplitter{tail: t})
}

type lineSplitter struct {
	buf  []byte
	tail *LogTail
	mu   sync.Mutex
}

func (l *lineSplitter) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, data...)

	for {
		idx := strings.IndexByte(string(l.buf), '\n')
		if idx == -1 {
			break
		}

		l.tail.Append(string(l.buf[0:idx]))

		l.buf = l.buf[idx+1:]
	}

	return len(data), nil
}
