// Package chatstream turns the gateway's raw "chat" events into UI-level
// events: typing indicators, text deltas, final messages and errors.
package chatstream

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/gatewaylink/internal/gateway"
	"github.com/p-blackswan/gatewaylink/internal/lru"
	"github.com/p-blackswan/gatewaylink/internal/metrics"
	"github.com/p-blackswan/gatewaylink/internal/protocol"
)

const finishedRunsKept = 512

// Phase is the lifecycle position of a chat run.
type Phase int

const (
	PhasePending Phase = iota
	PhaseStarted
	PhaseStreaming
	PhaseFinal
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseStarted:
		return "started"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinal:
		return "final"
	case PhaseError:
		return "error"
	}
	return "unknown"
}

// Run is a snapshot of the active run of a session.
type Run struct {
	ID         string
	SessionKey string
	Phase      Phase
	Content    string

	// Next is the run a later send started while this one was still
	// streaming. It takes over once this run ends or its frames show up.
	Next string
	// Awaiting is set while a later send has not reported its run yet.
	Awaiting bool
}

type outbound struct {
	event  string
	update Update
}

// Interpreter tracks at most one active run per session and re-publishes
// its stream as derived events on the router. It implements
// gateway.RunTracker.
type Interpreter struct {
	router  *gateway.Router
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	runs     map[string]*Run
	finished *lru.Set[string]
	unsub    func()
}

var _ gateway.RunTracker = (*Interpreter)(nil)

// New creates an interpreter publishing on router.
func New(router *gateway.Router, logger zerolog.Logger) *Interpreter {
	return &Interpreter{
		router:   router,
		logger:   logger.With().Str("component", "chatstream").Logger(),
		runs:     make(map[string]*Run),
		finished: lru.New[string](finishedRunsKept),
	}
}

// SetMetrics attaches a metrics collector.
func (in *Interpreter) SetMetrics(m *metrics.Metrics) { in.metrics = m }

// Start subscribes to the wire "chat" event. Calling it twice is a no-op.
func (in *Interpreter) Start() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.unsub != nil {
		return
	}
	in.unsub = in.router.Subscribe(protocol.EventChat, in.handle)
}

// Stop unsubscribes from the router.
func (in *Interpreter) Stop() {
	in.mu.Lock()
	unsub := in.unsub
	in.unsub = nil
	in.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Expect marks sessionKey as waiting for a run this client is starting. The
// first run id seen for it is adopted, even if its events beat the send
// response. A run that is already streaming keeps the slot until it ends or
// the new run shows up.
func (in *Interpreter) Expect(sessionKey string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if cur := in.runs[sessionKey]; cur != nil && cur.ID != "" && cur.Phase != PhasePending {
		cur.Awaiting = true
		cur.Next = ""
		return
	}
	in.runs[sessionKey] = &Run{SessionKey: sessionKey, Phase: PhasePending}
}

// Begin records runID, as returned by chat.send, as the active run.
func (in *Interpreter) Begin(sessionKey, runID string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	cur := in.runs[sessionKey]
	switch {
	case in.finished.Contains(runID):
		// The whole run streamed before the send returned.
		if cur == nil {
			return
		}
		if cur.ID == "" || cur.ID == runID {
			delete(in.runs, sessionKey)
			return
		}
		cur.Awaiting = false
	case cur != nil && cur.ID == runID:
	case cur != nil && cur.ID == "":
		cur.ID = runID
	case cur != nil && cur.Phase != PhasePending:
		cur.Next = runID
		cur.Awaiting = false
	default:
		in.runs[sessionKey] = &Run{ID: runID, SessionKey: sessionKey, Phase: PhasePending}
	}
}

// Cancel withdraws an Expect whose send failed. A run already streaming in
// the session is left alone.
func (in *Interpreter) Cancel(sessionKey string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	cur := in.runs[sessionKey]
	switch {
	case cur == nil:
	case cur.ID == "":
		delete(in.runs, sessionKey)
	default:
		cur.Awaiting = false
	}
}

// Clear drops the active run of sessionKey and tells listeners typing has
// ended. Frames still in flight for that run are ignored.
func (in *Interpreter) Clear(sessionKey string) {
	in.mu.Lock()
	var runID string
	if cur := in.runs[sessionKey]; cur != nil {
		runID = cur.ID
		if runID != "" {
			in.finished.Add(runID)
		}
		if cur.Next != "" {
			in.finished.Add(cur.Next)
		}
		delete(in.runs, sessionKey)
	}
	in.mu.Unlock()

	in.router.Publish(EventTypingEnd, Update{SessionKey: sessionKey, RunID: runID, Aborted: true})
}

// Active returns the active run of sessionKey.
func (in *Interpreter) Active(sessionKey string) (Run, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	cur, ok := in.runs[sessionKey]
	if !ok {
		return Run{}, false
	}
	return *cur, true
}

func (in *Interpreter) handle(_ string, payload any) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		in.logger.Warn().Type("payload", payload).Msg("ignoring chat event with unexpected payload type")
		return
	}

	ev, err := Decode(raw)
	if err != nil {
		in.logger.Warn().Err(err).Msg("dropping chat event")
		in.metrics.RecordError("chatstream", "decode")
		return
	}

	for _, out := range in.apply(ev) {
		in.router.Publish(out.event, out.update)
	}
}

// HandleEvent applies a decoded event directly and publishes the result.
func (in *Interpreter) HandleEvent(ev Event) {
	for _, out := range in.apply(ev) {
		in.router.Publish(out.event, out.update)
	}
}

func (in *Interpreter) apply(ev Event) []outbound {
	h := ev.Head()
	_, started := ev.(Started)

	in.mu.Lock()
	defer in.mu.Unlock()

	if h.RunID != "" && in.finished.Contains(h.RunID) {
		in.logger.Debug().Str("runId", h.RunID).Msg("dropping late frame for finished run")
		return nil
	}

	key := h.SessionKey
	if key == "" {
		key = in.sessionOfLocked(h.RunID)
		if key == "" {
			in.logger.Debug().Str("runId", h.RunID).Msg("dropping chat event for unknown run without session key")
			return nil
		}
	}

	cur := in.runs[key]
	switch {
	case cur == nil:
		if started && h.RunID != "" {
			cur = &Run{ID: h.RunID, SessionKey: key, Phase: PhasePending}
			in.runs[key] = cur
		}
	case cur.ID == h.RunID:
	case cur.ID == "" && h.RunID != "":
		cur.ID = h.RunID
	case h.RunID != "" && (h.RunID == cur.Next || (started && cur.Awaiting)):
		// The next send's run started before the previous one reported its end.
		in.finished.Add(cur.ID)
		cur = &Run{ID: h.RunID, SessionKey: key, Phase: PhasePending}
		in.runs[key] = cur
	default:
		cur = nil
	}

	if cur == nil {
		return in.foreign(key, ev)
	}

	base := Update{SessionKey: key, RunID: h.RunID, Seq: h.Seq}

	switch e := ev.(type) {
	case Started:
		cur.Phase = PhaseStarted
		return []outbound{{EventTypingStart, base}}

	case Delta:
		text := e.Text
		if e.Cumulative && strings.HasPrefix(text, cur.Content) {
			text = text[len(cur.Content):]
		}
		if text == "" {
			return nil
		}
		cur.Content += text
		cur.Phase = PhaseStreaming
		base.Text = text
		base.Content = cur.Content
		return []outbound{{EventDelta, base}}

	case Final:
		content := cur.Content
		in.finish(cur)
		out := []outbound{{EventTypingEnd, base}}

		msg := e.Message
		if msg == nil && content != "" {
			msg = protocol.NewTextMessage("assistant", content)
		}
		if msg != nil {
			upd := base
			upd.Message = msg
			upd.Content = content
			upd.Text = msg.Text()
			if upd.Text == "" {
				upd.Text = content
			}
			out = append(out, outbound{EventMessage, upd})
		}
		return out

	case Failed:
		in.finish(cur)
		upd := base
		upd.Error = e.Message
		upd.Content = cur.Content
		return []outbound{{EventTypingEnd, base}, {EventError, upd}}
	}
	return nil
}

// sessionOfLocked finds the session an event without a session key belongs
// to: the one whose current or next run is runID, else the only session
// still waiting to adopt a run.
func (in *Interpreter) sessionOfLocked(runID string) string {
	if runID != "" {
		for key, r := range in.runs {
			if r.ID == runID || r.Next == runID {
				return key
			}
		}
	}
	var waiting []string
	for key, r := range in.runs {
		if r.ID == "" {
			waiting = append(waiting, key)
		}
	}
	if len(waiting) == 1 {
		return waiting[0]
	}
	return ""
}

// foreign handles events of runs this client does not own: deltas and
// starts are dropped, outcomes are forwarded flagged as foreign.
func (in *Interpreter) foreign(key string, ev Event) []outbound {
	h := ev.Head()
	base := Update{SessionKey: key, RunID: h.RunID, Seq: h.Seq, Foreign: true}

	switch e := ev.(type) {
	case Started, Delta:
		in.logger.Trace().Str("session", key).Str("runId", h.RunID).Msg("ignoring foreign run frame")
		return nil
	case Final:
		if e.Message == nil {
			return nil
		}
		base.Message = e.Message
		base.Text = e.Message.Text()
		return []outbound{{EventMessage, base}}
	case Failed:
		base.Error = e.Message
		return []outbound{{EventError, base}}
	}
	return nil
}

// finish ends r and hands the slot to the run queued behind it, if any.
func (in *Interpreter) finish(r *Run) {
	if r.ID != "" {
		in.finished.Add(r.ID)
	}
	switch {
	case r.Next != "":
		in.runs[r.SessionKey] = &Run{ID: r.Next, SessionKey: r.SessionKey, Phase: PhasePending}
	case r.Awaiting:
		in.runs[r.SessionKey] = &Run{SessionKey: r.SessionKey, Phase: PhasePending}
	default:
		delete(in.runs, r.SessionKey)
	}
}
