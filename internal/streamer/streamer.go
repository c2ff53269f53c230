// Package streamer implements the progress streamer: it wraps the mission
// executor, translating its Observer callbacks into an ordered, cancellable
// NDJSON event stream.
package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketpulse/missioncore/internal/executor"
	"github.com/marketpulse/missioncore/internal/telemetry"
)

// EventType enumerates the closed set of stream events.
type EventType string

const (
	EventThinking       EventType = "thinking"
	EventProgress       EventType = "progress"
	EventToolStart      EventType = "tool_start"
	EventToolComplete   EventType = "tool_complete"
	EventActionStart    EventType = "action_start"
	EventActionComplete EventType = "action_complete"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
)

// Event is one line of the NDJSON stream. Fields are tagged omitempty so
// each event type only serializes the fields it carries.
type Event struct {
	Type       EventType      `json:"type"`
	Content    string         `json:"content,omitempty"`
	Step       int            `json:"step,omitempty"`
	Total      int            `json:"total,omitempty"`
	Percentage float64        `json:"percentage,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Action     string         `json:"action,omitempty"`
	Title      string         `json:"title,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Context    string         `json:"context,omitempty"`
	Report     string         `json:"report,omitempty"`
}

// Sink accepts one event at a time and may apply backpressure or signal
// cancellation by returning an error from Send.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// NDJSONSink writes one JSON object per line to w, flushing after every
// write when w also implements http.Flusher, so a streaming HTTP handler
// delivers each event as soon as it is produced.
type NDJSONSink struct {
	w       io.Writer
	flusher http.Flusher
}

// NewNDJSONSink constructs a Sink over w. If w implements http.Flusher it is
// flushed after every event.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	f, _ := w.(http.Flusher)
	return &NDJSONSink{w: w, flusher: f}
}

// Send writes ev as one UTF-8 JSON line.
func (s *NDJSONSink) Send(_ context.Context, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// CancellationStore is a durable flag a mission's cancellation survives a
// process restart through: the streamer polls it for the duration of a
// streamed mission, in addition to the in-process Sink.Send error path.
type CancellationStore interface {
	IsCancelled(ctx context.Context, missionID int64) (bool, error)
	MarkCancelled(ctx context.Context, missionID int64) error
}

const cancellationPollInterval = 2 * time.Second

// RedisCancellationStore implements CancellationStore over go-redis, keeping
// the flag in Redis rather than the primary Postgres database, so a
// restarted process can still honor a cancellation issued against the old
// one.
type RedisCancellationStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCancellationStore constructs a store backed by rdb. ttl bounds how
// long a cancellation flag survives; it should comfortably exceed the
// longest mission this process expects to run.
func NewRedisCancellationStore(rdb *redis.Client, ttl time.Duration) *RedisCancellationStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisCancellationStore{rdb: rdb, ttl: ttl}
}

func (r *RedisCancellationStore) key(missionID int64) string {
	return fmt.Sprintf("missioncore:mission:%d:cancelled", missionID)
}

// MarkCancelled records missionID as cancelled. A later restart's poller
// sees this flag even though the original in-process context is gone.
func (r *RedisCancellationStore) MarkCancelled(ctx context.Context, missionID int64) error {
	return r.rdb.Set(ctx, r.key(missionID), "1", r.ttl).Err()
}

// IsCancelled reports whether missionID has been flagged.
func (r *RedisCancellationStore) IsCancelled(ctx context.Context, missionID int64) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(missionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Streamer wraps a Mission Executor and adapts its Observer callbacks into
// an ordered Event sequence delivered to a Sink.
type Streamer struct {
	exec         *executor.Executor
	tel          *telemetry.Telemetry
	cancellation CancellationStore
}

// New constructs a Streamer around exec. cancellation may be nil, in which
// case only the in-process Sink.Send cancellation path is available.
func New(exec *executor.Executor, tel *telemetry.Telemetry, cancellation CancellationStore) *Streamer {
	return &Streamer{exec: exec, tel: tel, cancellation: cancellation}
}

// Stream runs one mission, emitting events to sink as the executor
// transitions. It returns the same error Executor.Run would return; by the
// time it returns, exactly one terminal event (complete or error) has
// already been sent to sink.
func (s *Streamer) Stream(ctx context.Context, req executor.Request, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obs := &observerAdapter{sink: sink, ctx: ctx, cancel: cancel, tel: s.tel, cancellation: s.cancellation}
	defer obs.stopPolling()

	result, err := s.exec.Run(ctx, req, obs)
	if err != nil {
		obs.emit(Event{Type: EventError, Error: err.Error(), Context: cancellationContext(err)})
		return err
	}
	obs.emit(Event{Type: EventComplete, Report: result.Report})
	return nil
}

func cancellationContext(err error) string {
	var cancelled executor.ErrCancelled
	if errors.As(err, &cancelled) {
		return "cancelled"
	}
	return ""
}

// observerAdapter implements executor.Observer, translating each callback
// into an Event and forwarding it to the sink. It is safe to call from a
// single goroutine only (the executor drives one mission sequentially), but
// guards terminalSent with a mutex defensively since Sink.Send may itself
// be slow and the caller should never observe re-entrant emission.
type observerAdapter struct {
	sink         Sink
	ctx          context.Context
	cancel       context.CancelFunc
	tel          *telemetry.Telemetry
	cancellation CancellationStore

	mu           sync.Mutex
	terminalSent bool
	pollStop     chan struct{}
	pollOnce     sync.Once
}

// OnMissionStarted implements executor.MissionStarted. Once the mission id
// is known it starts a background poll of the durable cancellation store,
// so a cancellation flagged against a since-restarted process is still
// honored by whichever process now owns the stream.
func (o *observerAdapter) OnMissionStarted(missionID int64) {
	if o.cancellation == nil {
		return
	}
	o.pollStop = make(chan struct{})
	go o.pollCancellation(missionID, o.pollStop)
}

func (o *observerAdapter) pollCancellation(missionID int64, stop chan struct{}) {
	ticker := time.NewTicker(cancellationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := o.cancellation.IsCancelled(o.ctx, missionID)
			if err != nil {
				if o.tel != nil {
					o.tel.Logger.Printf("warn: durable cancellation check failed for mission %d: %v", missionID, err)
				}
				continue
			}
			if cancelled {
				o.cancel()
				return
			}
		}
	}
}

func (o *observerAdapter) stopPolling() {
	o.pollOnce.Do(func() {
		if o.pollStop != nil {
			close(o.pollStop)
		}
	})
}

// emit sends ev unless a terminal event has already been sent, per the
// "no events after terminal" ordering guarantee. A Send error is treated as
// the sink signalling cancellation and propagates into the executor's
// context.
func (o *observerAdapter) emit(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminalSent {
		return
	}
	if ev.Type == EventComplete || ev.Type == EventError {
		o.terminalSent = true
	}
	if err := o.sink.Send(o.ctx, ev); err != nil {
		if o.tel != nil {
			o.tel.Logger.Printf("warn: sink signalled cancellation: %v", err)
		}
		o.cancel()
	}
}

func (o *observerAdapter) Thinking(content string) {
	o.emit(Event{Type: EventThinking, Content: content})
}

func (o *observerAdapter) Progress(step, total int) {
	var pct float64
	if total > 0 {
		pct = float64(step) / float64(total) * 100
	}
	o.emit(Event{Type: EventProgress, Step: step, Total: total, Percentage: pct})
}

func (o *observerAdapter) ToolStart(tool string, args map[string]any) {
	o.emit(Event{Type: EventToolStart, Tool: tool, Args: args})
}

func (o *observerAdapter) ToolComplete(tool, summary string, err error) {
	ev := Event{Type: EventToolComplete, Tool: tool, Summary: summary}
	if err != nil {
		ev.Error = err.Error()
	}
	o.emit(ev)
}

func (o *observerAdapter) ActionStart(action, title string) {
	o.emit(Event{Type: EventActionStart, Action: action, Title: title})
}

func (o *observerAdapter) ActionComplete(action, result string, err error) {
	ev := Event{Type: EventActionComplete, Action: action, Result: result}
	if err != nil {
		ev.Error = err.Error()
	}
	o.emit(ev)
}
