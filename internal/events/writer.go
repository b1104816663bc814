package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer persists notifications into the append-only notifications table.
type Writer struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
}

func (w Writer) Append(ctx context.Context, ex execer, evtType, runID string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO notifications(ts,type,run_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, nullable(runID), string(data))
	return err
}

// Write stores n synchronously. Failures are logged and dropped.
func (w Writer) Write(n Notification) {
	if w.DB == nil {
		return
	}
	if !n.At.IsZero() {
		at := n.At
		w.Now = func() time.Time { return at }
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Append(ctx, w.DB, n.Name, n.RunID, n.Payload); err != nil {
		logger := w.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("persist notification", "type", n.Name, "run_id", n.RunID, "err", err)
	}
}

// Spool is the Emitter in front of a Writer. Emit only enqueues; a single goroutine
// stores notifications in emission order. A full queue drops the notification.
type Spool struct {
	writer  Writer
	queue   chan Notification
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewSpool(w Writer, buffer int) *Spool {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &Spool{writer: w, queue: make(chan Notification, buffer), done: make(chan struct{})}
	go s.loop()
	return s
}

func (s *Spool) loop() {
	defer close(s.done)
	for n := range s.queue {
		s.writer.Write(n)
	}
}

func (s *Spool) Emit(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- n:
	default:
		s.dropped.Add(1)
		logger := s.writer.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("notification spool full, dropping", "type", n.Name, "run_id", n.RunID)
	}
}

// Dropped returns how many notifications were discarded on a full queue.
func (s *Spool) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting notifications and waits until the queued ones are stored.
func (s *Spool) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
