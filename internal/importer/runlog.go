package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogEntry is one line of the run log.
type LogEntry struct {
	Time  time.Time
	Level slog.Level
	Text  string
}

func (e LogEntry) String() string {
	return e.Time.Format("2006-01-02 15:04:05") + " " + e.Level.String() + " " + e.Text
}

// RunLog is the append-only log of a run. It is a slog.Handler so the engine
// logs once and the same events reach both the console and the run log.
// Records below Info are not kept.
type RunLog struct {
	st     *runLogState
	attrs  string
	prefix string
}

type runLogState struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewRunLog returns an empty run log.
func NewRunLog() *RunLog {
	return &RunLog{st: &runLogState{}}
}

func (l *RunLog) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (l *RunLog) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(l.attrs)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, l.prefix, a)
		return true
	})

	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	l.st.entries = append(l.st.entries, LogEntry{Time: t, Level: r.Level, Text: b.String()})
	return nil
}

func (l *RunLog) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(l.attrs)
	for _, a := range attrs {
		writeAttr(&b, l.prefix, a)
	}
	return &RunLog{st: l.st, attrs: b.String(), prefix: l.prefix}
}

func (l *RunLog) WithGroup(name string) slog.Handler {
	if name == "" {
		return l
	}
	return &RunLog{st: l.st, attrs: l.attrs, prefix: l.prefix + name + "."}
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, p, ga)
		}
		return
	}
	v := a.Value.String()
	if strings.ContainsAny(v, " \t\"=") {
		v = fmt.Sprintf("%q", v)
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(v)
}

// Entries returns a copy of the entries in the order they were logged.
func (l *RunLog) Entries() []LogEntry {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	return append([]LogEntry(nil), l.st.entries...)
}

// Len reports the number of entries.
func (l *RunLog) Len() int {
	l.st.mu.Lock()
	defer l.st.mu.Unlock()
	return len(l.st.entries)
}

// WriteTo writes one line per entry.
func (l *RunLog) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, e := range l.Entries() {
		m, err := io.WriteString(w, e.String()+"\n")
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// LogFileName is the name a run log saved at t gets.
func LogFileName(t time.Time) string {
	return "import_log_" + t.Format("20060102_150405") + ".txt"
}

// Save writes the run log to dir/LogFileName(t) and returns the path.
func (l *RunLog) Save(dir string, t time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("save run log: %w", err)
	}
	p := filepath.Join(dir, LogFileName(t))
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("save run log: %w", err)
	}
	if _, err := l.WriteTo(f); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("save run log: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("save run log: %w", err)
	}
	return p, nil
}

var _ slog.Handler = (*RunLog)(nil)
