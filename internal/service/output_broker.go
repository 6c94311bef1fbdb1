package service

import (
	"io"
	"sync"

	"github.com/google/uuid"
)

type OutputLine struct {
	Job  string `json:"job"`
	Text string `json:"text"`
}

func NewOutputBroker() *OutputBroker {
	return &OutputBroker{
		runs: make(map[string]map[string]chan OutputLine),
	}
}

// OutputBroker fans the live output of active runs out to subscribers. A
// subscriber that falls behind misses output rather than stalling the run;
// the complete output is persisted with each job.
type OutputBroker struct {
	m    sync.Mutex
	runs map[string]map[string]chan OutputLine
}

// Open marks runID as active so clients can subscribe to it.
func (b *OutputBroker) Open(runID string) {
	b.m.Lock()
	defer b.m.Unlock()
	if _, ok := b.runs[runID]; !ok {
		b.runs[runID] = make(map[string]chan OutputLine)
	}
}

// Close ends every subscription to runID.
func (b *OutputBroker) Close(runID string) {
	b.m.Lock()
	defer b.m.Unlock()
	for _, ch := range b.runs[runID] {
		close(ch)
	}
	delete(b.runs, runID)
}

// Subscribe returns a channel of runID's output that is closed when the run
// ends. ok is false when the run is not active.
func (b *OutputBroker) Subscribe(runID string) (uid string, ch <-chan OutputLine, ok bool) {
	b.m.Lock()
	defer b.m.Unlock()
	clients, ok := b.runs[runID]
	if !ok {
		return "", nil, false
	}
	uid = uuid.NewString()
	c := make(chan OutputLine, 256)
	clients[uid] = c
	return uid, c, true
}

func (b *OutputBroker) Unsubscribe(runID, uid string) {
	b.m.Lock()
	defer b.m.Unlock()
	if c, ok := b.runs[runID][uid]; ok {
		close(c)
		delete(b.runs[runID], uid)
	}
}

func (b *OutputBroker) Publish(runID string, line OutputLine) {
	b.m.Lock()
	defer b.m.Unlock()
	for _, c := range b.runs[runID] {
		select {
		case c <- line:
		default:
		}
	}
}

// Writer returns a writer that publishes what is written to it as output
// of job.
func (b *OutputBroker) Writer(runID, job string) io.Writer {
	return brokerWriter{b: b, runID: runID, job: job}
}

type brokerWriter struct {
	b     *OutputBroker
	runID string
	job   string
}

func (w brokerWriter) Write(p []byte) (int, error) {
	w.b.Publish(w.runID, OutputLine{Job: w.job, Text: string(p)})
	return len(p), nil
}
