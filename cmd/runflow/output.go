package main

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// prefixedOutput interleaves the output of concurrently running jobs one
// line at a time, each line prefixed with its job.
type prefixedOutput struct {
	mu      sync.Mutex
	w       io.Writer
	partial map[string]*bytes.Buffer
	order   []string
}

func newPrefixedOutput(w io.Writer) *prefixedOutput {
	return &prefixedOutput{w: w, partial: make(map[string]*bytes.Buffer)}
}

func (o *prefixedOutput) Writer(job string) io.Writer {
	return jobWriter{o: o, job: job}
}

func (o *prefixedOutput) write(job string, p []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	buf, ok := o.partial[job]
	if !ok {
		buf = &bytes.Buffer{}
		o.partial[job] = buf
		o.order = append(o.order, job)
	}
	buf.Write(p)
	for {
		line, err := buf.ReadBytes('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			rest := append([]byte(nil), line...)
			buf.Reset()
			buf.Write(rest)
			return
		}
		fmt.Fprintf(o.w, "[%s] %s", job, line)
	}
}

// Flush writes what remains of unterminated lines.
func (o *prefixedOutput) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, job := range o.order {
		if buf := o.partial[job]; buf.Len() > 0 {
			fmt.Fprintf(o.w, "[%s] %s\n", job, buf.String())
			buf.Reset()
		}
	}
}

type jobWriter struct {
	o   *prefixedOutput
	job string
}

func (w jobWriter) Write(p []byte) (int, error) {
	w.o.write(w.job, p)
	return len(p), nil
}
