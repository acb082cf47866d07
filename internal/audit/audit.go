// Package audit emits the append-only audit stream: JSON lines written
// asynchronously to a size-rotated file. Enqueueing never blocks the
// request path; entries are dropped when the buffer is full.
package audit

import (
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/logging"
)

// Entry is one audit event.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Status    string    `json:"status"`
	Details   string    `json:"details,omitempty"`
}

// Logger is the async audit writer.
type Logger struct {
	queue  chan Entry
	out    io.WriteCloser
	stopCh chan struct{}
	doneCh chan struct{}

	enqueued atomic.Int64
	dropped  atomic.Int64
	written  atomic.Int64
}

// New opens the rotated audit file and starts the writer goroutine.
func New(cfg config.AuditConfig) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	out := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	l := &Logger{
		queue:  make(chan Entry, cfg.BufferSize),
		out:    out,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// Record enqueues one event. Non-blocking; a full buffer drops the
// entry and counts it.
func (l *Logger) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case l.queue <- e:
		l.enqueued.Add(1)
	default:
		l.dropped.Add(1)
	}
}

// Close drains the queue and closes the file.
func (l *Logger) Close() {
	close(l.stopCh)
	<-l.doneCh
	l.out.Close()
}

// Stats reports writer counters for the monitor surface.
func (l *Logger) Stats() map[string]int64 {
	return map[string]int64{
		"enqueued": l.enqueued.Load(),
		"dropped":  l.dropped.Load(),
		"written":  l.written.Load(),
	}
}

func (l *Logger) writeLoop() {
	defer close(l.doneCh)
	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-l.stopCh:
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		logging.Warn("audit entry marshal failed", zap.Error(err))
		return
	}
	line = append(line, '\n')
	if _, err := l.out.Write(line); err != nil {
		logging.Warn("audit write failed", zap.Error(err))
		return
	}
	l.written.Add(1)
}
