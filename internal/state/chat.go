package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/p-blackswan/gatewaylink/internal/chatstream"
	"github.com/p-blackswan/gatewaylink/internal/lru"
)

const (
	assistantAuthor = "assistant"
	committedKept   = 256
)

// MessageStatus describes how far a message is from authoritative.
type MessageStatus string

const (
	// StatusPending is an optimistic user message not yet confirmed.
	StatusPending MessageStatus = "pending"
	// StatusFailed is an optimistic message whose send failed; its text is
	// kept for retry.
	StatusFailed MessageStatus = "failed"
	// StatusEphemeral is a reply assembled from the stream, awaiting the
	// authoritative copy.
	StatusEphemeral MessageStatus = "ephemeral"
	// StatusCommitted is the authoritative message.
	StatusCommitted MessageStatus = "committed"
)

// Message is one transcript entry.
type Message struct {
	ID        string        `json:"id"`
	ClientID  string        `json:"clientId,omitempty"`
	RunID     string        `json:"runId,omitempty"`
	Author    string        `json:"author"`
	Text      string        `json:"text"`
	Status    MessageStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// TypingPhase only moves forward: thinking, then typing, then removed.
type TypingPhase int

const (
	TypingThinking TypingPhase = iota + 1
	TypingTyping
)

func (p TypingPhase) String() string {
	switch p {
	case TypingThinking:
		return "thinking"
	case TypingTyping:
		return "typing"
	}
	return "none"
}

// MarshalText renders the phase by name.
func (p TypingPhase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Typing is an indicator that author is producing a reply.
type Typing struct {
	Author string      `json:"author"`
	Phase  TypingPhase `json:"phase"`
	RunID  string      `json:"runId,omitempty"`
	Since  time.Time   `json:"since"`
}

// Stream is the in-progress reply of a run.
type Stream struct {
	RunID string `json:"runId"`
	Text  string `json:"text"`
}

// ChatView is a snapshot of one chat.
type ChatView struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	Streaming *Stream   `json:"streaming,omitempty"`
	Typing    []Typing  `json:"typing"`
	LastError string    `json:"lastError,omitempty"`
}

type chat struct {
	id        string
	messages  []Message
	stream    *Stream
	typing    map[string]Typing
	committed *lru.Set[string]
	lastError string
}

func newChat(id string) *chat {
	return &chat{
		id:        id,
		typing:    make(map[string]Typing),
		committed: lru.New[string](committedKept),
	}
}

func (c *chat) view() ChatView {
	v := ChatView{
		ID:        c.id,
		Messages:  append([]Message(nil), c.messages...),
		Typing:    make([]Typing, 0, len(c.typing)),
		LastError: c.lastError,
	}
	if c.stream != nil {
		s := *c.stream
		v.Streaming = &s
	}
	for _, t := range c.typing {
		v.Typing = append(v.Typing, t)
	}
	sort.Slice(v.Typing, func(i, j int) bool { return v.Typing[i].Author < v.Typing[j].Author })
	return v
}

func (c *chat) isCommitted(runID string) bool {
	return runID != "" && c.committed.Contains(runID)
}

func (c *chat) markCommitted(runID string) {
	if runID != "" {
		c.committed.Add(runID)
	}
}

// setTyping moves author's indicator forward. Backward or repeated phases
// and indicators for committed runs are ignored.
func (c *chat) setTyping(author string, phase TypingPhase, runID string, now time.Time) bool {
	if c.isCommitted(runID) {
		return false
	}
	cur, ok := c.typing[author]
	if ok && cur.RunID == runID && cur.Phase >= phase {
		return false
	}
	since := now
	if ok && cur.RunID == runID {
		since = cur.Since
	}
	c.typing[author] = Typing{Author: author, Phase: phase, RunID: runID, Since: since}
	return true
}

func (c *chat) clearTyping(author string) bool {
	if _, ok := c.typing[author]; !ok {
		return false
	}
	delete(c.typing, author)
	return true
}

func (c *chat) applyDelta(upd chatstream.Update, now time.Time) bool {
	if c.isCommitted(upd.RunID) {
		return false
	}
	if c.stream == nil || c.stream.RunID != upd.RunID {
		c.stream = &Stream{RunID: upd.RunID}
	}
	if upd.Content != "" {
		c.stream.Text = upd.Content
	} else {
		c.stream.Text += upd.Text
	}
	c.lastError = ""
	c.setTyping(assistantAuthor, TypingTyping, upd.RunID, now)
	return true
}

// endTyping removes the assistant indicator. An abort keeps whatever was
// streamed as an ephemeral message.
func (c *chat) endTyping(upd chatstream.Update, now time.Time) bool {
	changed := c.clearTyping(assistantAuthor)
	if upd.Aborted && c.stream != nil {
		c.flushStream(now)
		changed = true
	}
	return changed
}

func (c *chat) flushStream(now time.Time) {
	s := c.stream
	c.stream = nil
	if s == nil || s.Text == "" || c.isCommitted(s.RunID) {
		return
	}
	c.upsertEphemeral(s.RunID, s.Text, now)
}

func (c *chat) applyFinal(upd chatstream.Update, now time.Time) bool {
	if c.stream != nil && c.stream.RunID == upd.RunID {
		c.stream = nil
	}
	if c.isCommitted(upd.RunID) {
		return true
	}

	text := upd.Text
	if text == "" {
		text = upd.Content
	}
	if text == "" {
		return false
	}
	author := assistantAuthor
	if upd.Message != nil && upd.Message.Role != "" {
		author = upd.Message.Role
	}
	i := c.upsertEphemeral(upd.RunID, text, now)
	c.messages[i].Author = author
	c.lastError = ""
	return true
}

func (c *chat) applyError(upd chatstream.Update, now time.Time) bool {
	if !upd.Foreign {
		c.clearTyping(assistantAuthor)
		if c.stream != nil && c.stream.RunID == upd.RunID {
			c.flushStream(now)
		}
	}
	c.lastError = upd.Error
	return true
}

// upsertEphemeral replaces the ephemeral message of runID or appends one,
// and returns its index.
func (c *chat) upsertEphemeral(runID, text string, now time.Time) int {
	for i, m := range c.messages {
		if m.Status == StatusEphemeral && runID != "" && m.RunID == runID {
			c.messages[i].Text = text
			return i
		}
	}
	c.messages = append(c.messages, Message{
		ID:        ephemeralID(runID, len(c.messages)),
		RunID:     runID,
		Author:    assistantAuthor,
		Text:      text,
		Status:    StatusEphemeral,
		CreatedAt: now,
	})
	return len(c.messages) - 1
}

func ephemeralID(runID string, n int) string {
	if runID != "" {
		return "run:" + runID
	}
	return fmt.Sprintf("local:%d", n)
}

// commit applies an authoritative message. It replaces the ephemeral copy of
// the same run and the optimistic copy with the same client id, and clears
// its author's typing indicator.
func (c *chat) commit(msg Message) {
	msg.Status = StatusCommitted
	msg.Error = ""

	replaced := false
	keep := c.messages[:0]
	for _, m := range c.messages {
		match := (msg.ID != "" && m.ID == msg.ID) ||
			(msg.RunID != "" && m.Status == StatusEphemeral && m.RunID == msg.RunID) ||
			(msg.ClientID != "" && m.ClientID == msg.ClientID)
		if !match {
			keep = append(keep, m)
			continue
		}
		if !replaced {
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = m.CreatedAt
			}
			keep = append(keep, msg)
			replaced = true
		}
	}
	c.messages = keep
	if !replaced {
		c.messages = append(c.messages, msg)
	}

	if msg.RunID != "" {
		c.markCommitted(msg.RunID)
		if c.stream != nil && c.stream.RunID == msg.RunID {
			c.stream = nil
		}
	}
	if t, ok := c.typing[msg.Author]; ok && (msg.RunID == "" || t.RunID == "" || t.RunID == msg.RunID) {
		delete(c.typing, msg.Author)
	}
}

// Chat returns a snapshot of chatID. Unknown chats are empty.
func (s *Store) Chat(chatID string) ChatView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.chats[chatID]; ok {
		return c.view()
	}
	return newChat(chatID).view()
}

// ChatIDs lists chats with local state, sorted.
func (s *Store) ChatIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Commit applies an authoritative message for chatID. It wins over any
// streamed or optimistic copy regardless of arrival order.
func (s *Store) Commit(chatID string, msg Message) error {
	if chatID == "" {
		return fmt.Errorf("commit: empty chat id")
	}
	if msg.ID == "" && msg.ClientID == "" && msg.RunID == "" {
		return fmt.Errorf("commit: message needs an id, client id or run id")
	}
	if msg.Author == "" {
		msg.Author = assistantAuthor
		if msg.RunID == "" {
			msg.Author = "user"
		}
	}
	if msg.ID == "" {
		msg.ID = ephemeralID(msg.RunID, 0)
		if msg.RunID == "" {
			msg.ID = msg.ClientID
		}
	}

	s.mu.Lock()
	s.chatLocked(chatID).commit(msg)
	s.mu.Unlock()

	s.notify(chatID)
	return nil
}

// AddPending appends an optimistic message keyed by clientID.
func (s *Store) AddPending(chatID, clientID, author, text string) Message {
	msg := Message{
		ID:        clientID,
		ClientID:  clientID,
		Author:    author,
		Text:      text,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	c := s.chatLocked(chatID)
	c.messages = append(c.messages, msg)
	c.setTyping(assistantAuthor, TypingThinking, "", msg.CreatedAt)
	s.mu.Unlock()

	s.notify(chatID)
	return msg
}

// MarkFailed flags an optimistic message as failed. The text is kept so the
// user can retry. Returns false if clientID is not pending.
func (s *Store) MarkFailed(chatID, clientID string, cause error) bool {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	found := false
	if ok {
		for i := range c.messages {
			m := &c.messages[i]
			if m.ClientID == clientID && m.Status == StatusPending {
				m.Status = StatusFailed
				if cause != nil {
					m.Error = cause.Error()
				}
				found = true
				break
			}
		}
		if found {
			if t, ok := c.typing[assistantAuthor]; ok && t.RunID == "" {
				delete(c.typing, assistantAuthor)
			}
		}
	}
	s.mu.Unlock()

	if found {
		s.notify(chatID)
	}
	return found
}
