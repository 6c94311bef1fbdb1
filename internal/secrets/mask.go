package secrets

import (
	"bytes"
	"io"
	"slices"
	"strings"
	"sync"
)

const Mask = "***"

// Masker replaces registered secret values with ***.
type Masker struct {
	mu     sync.RWMutex
	values []string
}

// Add registers a value to mask. Multi-line values are also masked line
// by line, since output is processed one line at a time.
func (m *Masker) Add(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidates := []string{value}
	if strings.Contains(value, "\n") {
		candidates = append(candidates, strings.Split(value, "\n")...)
	}
	for _, v := range candidates {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(m.values, v) {
			continue
		}
		m.values = append(m.values, v)
	}
	// longest first, so a value containing another is masked whole
	slices.SortFunc(m.values, func(a, b string) int { return len(b) - len(a) })
}

func (m *Masker) Mask(s string) string {
	if m == nil {
		return s
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.values {
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}

// Writer returns a writer that masks complete lines before passing them to
// w. Close flushes a trailing partial line.
func (m *Masker) Writer(w io.Writer) *MaskWriter {
	return &MaskWriter{masker: m, w: w}
}

type MaskWriter struct {
	masker *Masker
	w      io.Writer

	mu  sync.Mutex
	buf bytes.Buffer
}

func (mw *MaskWriter) Write(p []byte) (int, error) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.buf.Write(p)
	for {
		i := bytes.IndexByte(mw.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := mw.buf.Next(i + 1)
		if _, err := io.WriteString(mw.w, mw.masker.Mask(string(line))); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (mw *MaskWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.buf.Len() == 0 {
		return nil
	}
	_, err := io.WriteString(mw.w, mw.masker.Mask(mw.buf.String()))
	mw.buf.Reset()
	return err
}
