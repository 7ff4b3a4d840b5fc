// Package state is the local mirror of gateway data a UI renders from: the
// session list, per-chat transcripts, streaming buffers and typing
// indicators. The gateway stays authoritative; everything here is either
// replaced wholesale or reconciled against authoritative messages.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/gatewaylink/internal/chatstream"
	"github.com/p-blackswan/gatewaylink/internal/gateway"
	"github.com/p-blackswan/gatewaylink/internal/protocol"
)

// SessionsChanged is the chat id passed to observers when the session list
// changes.
const SessionsChanged = ""

// SessionLister fetches the session list; *gateway.Client implements it.
type SessionLister interface {
	ListSessions(ctx context.Context, params protocol.SessionsListParams) (*protocol.SessionsListResult, error)
}

// listVersion orders session lists. The gateway timestamp decides when both
// lists carry one; otherwise the local sequence taken before the fetch does.
type listVersion struct {
	ts  int64
	seq uint64
}

func (v listVersion) olderThan(cur listVersion) bool {
	if v.ts != 0 && cur.ts != 0 {
		return v.ts < cur.ts
	}
	return v.seq < cur.seq
}

type observer struct {
	id uint64
	fn func(chatID string)
}

// Store holds the local session and chat state.
type Store struct {
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions []protocol.SessionSummary
	version  listVersion
	seq      uint64
	pulledAt time.Time
	chats    map[string]*chat

	lister     SessionLister
	refreshing atomic.Bool
	refreshDue atomic.Bool

	obsMu     sync.Mutex
	observers []observer
	nextObs   uint64
}

// New creates an empty store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		logger: logger.With().Str("component", "state").Logger(),
		now:    time.Now,
		chats:  make(map[string]*chat),
	}
}

// Sessions returns a copy of the session list.
func (s *Store) Sessions() []protocol.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.SessionSummary, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Session looks up one session by key.
func (s *Store) Session(key string) (protocol.SessionSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Key == key {
			return sess, true
		}
	}
	return protocol.SessionSummary{}, false
}

// PulledAt returns when the session list was last replaced.
func (s *Store) PulledAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pulledAt
}

// ReplaceSessions swaps in a session list the gateway pushed. Local edits
// are discarded. ts is the gateway timestamp of the list, or zero. It
// returns false when a fresher list is already in place.
func (s *Store) ReplaceSessions(list []protocol.SessionSummary, ts int64) bool {
	return s.replaceSessions(list, listVersion{ts: ts, seq: s.nextSeq()})
}

func (s *Store) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Store) replaceSessions(list []protocol.SessionSummary, v listVersion) bool {
	next := make([]protocol.SessionSummary, len(list))
	copy(next, list)

	s.mu.Lock()
	if v.olderThan(s.version) {
		cur := s.version
		s.mu.Unlock()
		s.logger.Debug().
			Int64("ts", v.ts).Int64("currentTs", cur.ts).
			Uint64("seq", v.seq).Uint64("currentSeq", cur.seq).
			Msg("dropping stale session list")
		return false
	}
	if v.ts == 0 {
		v.ts = s.version.ts
	}
	s.sessions = next
	s.version = v
	s.pulledAt = s.now()
	s.mu.Unlock()

	s.notify(SessionsChanged)
	return true
}

// Pull fetches the session list and replaces the local copy unless a
// fresher list arrived while the fetch was in flight.
func (s *Store) Pull(ctx context.Context, lister SessionLister) error {
	seq := s.nextSeq()
	res, err := lister.ListSessions(ctx, protocol.SessionsListParams{})
	if err != nil {
		return fmt.Errorf("pulling sessions: %w", err)
	}
	if s.replaceSessions(res.Sessions, listVersion{ts: res.TS, seq: seq}) {
		s.logger.Debug().Int("sessions", len(res.Sessions)).Msg("session list replaced")
	}
	return nil
}

// SetLister sets where session events that carry no list pull from.
func (s *Store) SetLister(l SessionLister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lister = l
}

// PatchSessionLocal applies an optimistic edit to one session. The next
// pull overwrites it. Returns false if key is unknown.
func (s *Store) PatchSessionLocal(key string, fn func(*protocol.SessionSummary)) bool {
	s.mu.Lock()
	found := false
	for i := range s.sessions {
		if s.sessions[i].Key == key {
			fn(&s.sessions[i])
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.notify(SessionsChanged)
	}
	return found
}

// OnChange registers fn to be told which chat changed, or SessionsChanged.
// It returns an unsubscribe func.
func (s *Store) OnChange(fn func(chatID string)) func() {
	s.obsMu.Lock()
	s.nextObs++
	id := s.nextObs
	s.observers = append(s.observers, observer{id: id, fn: fn})
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(chatID string) {
	s.obsMu.Lock()
	obs := make([]observer, len(s.observers))
	copy(obs, s.observers)
	s.obsMu.Unlock()

	for _, o := range obs {
		s.safeCall(o, chatID)
	}
}

func (s *Store) safeCall(o observer, chatID string) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Str("chat", chatID).Msg("state observer panicked")
		}
	}()
	o.fn(chatID)
}

// Attach subscribes the store to the interpreter's derived chat events and
// the gateway's session events, and returns a func that detaches it.
func (s *Store) Attach(router *gateway.Router) func() {
	unsubs := []func(){
		router.Subscribe(protocol.EventSessions, s.onSessions),
		router.Subscribe(chatstream.EventTypingStart, s.onUpdate),
		router.Subscribe(chatstream.EventDelta, s.onUpdate),
		router.Subscribe(chatstream.EventTypingEnd, s.onUpdate),
		router.Subscribe(chatstream.EventMessage, s.onUpdate),
		router.Subscribe(chatstream.EventError, s.onUpdate),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (s *Store) onSessions(_ string, payload any) {
	var ev protocol.SessionsEvent
	switch p := payload.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(p, &ev); err != nil {
			s.logger.Warn().Err(err).Msg("dropping undecodable sessions event")
			return
		}
	case protocol.SessionsEvent:
		ev = p
	default:
		return
	}

	if ev.HasList() {
		s.ReplaceSessions(ev.Sessions, ev.TS)
		return
	}
	s.logger.Debug().Str("session", ev.Key).Str("reason", ev.Reason).Msg("session changed, pulling list")
	s.refresh()
}

// refresh pulls the list in the background. Router handlers run on the
// connection's read loop, so they must not wait on a call themselves.
// Requests arriving during a pull coalesce into one more pull.
func (s *Store) refresh() {
	s.mu.RLock()
	lister := s.lister
	s.mu.RUnlock()
	if lister == nil {
		return
	}

	s.refreshDue.Store(true)
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		for {
			for s.refreshDue.Swap(false) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := s.Pull(ctx, lister); err != nil {
					s.logger.Warn().Err(err).Msg("session refresh failed")
				}
				cancel()
			}
			s.refreshing.Store(false)
			// A request may have landed between the last Swap and the Store.
			if !s.refreshDue.Load() || !s.refreshing.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

func (s *Store) onUpdate(event string, payload any) {
	upd, ok := payload.(chatstream.Update)
	if !ok || upd.SessionKey == "" {
		return
	}

	s.mu.Lock()
	c := s.chatLocked(upd.SessionKey)
	var changed bool
	switch event {
	case chatstream.EventTypingStart:
		changed = c.setTyping(assistantAuthor, TypingThinking, upd.RunID, s.now())
	case chatstream.EventDelta:
		changed = c.applyDelta(upd, s.now())
	case chatstream.EventTypingEnd:
		changed = c.endTyping(upd, s.now())
	case chatstream.EventMessage:
		changed = c.applyFinal(upd, s.now())
	case chatstream.EventError:
		changed = c.applyError(upd, s.now())
	}
	s.mu.Unlock()

	if changed {
		s.notify(upd.SessionKey)
	}
}

func (s *Store) chatLocked(id string) *chat {
	c, ok := s.chats[id]
	if !ok {
		c = newChat(id)
		s.chats[id] = c
	}
	return c
}
