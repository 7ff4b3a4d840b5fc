package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
)

type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall is one request awaiting its response. done is buffered so the
// single settle never blocks, even if the caller already gave up.
type pendingCall struct {
	id      string
	method  string
	created time.Time
	done    chan callResult
	timer   *time.Timer
}

// pendingTable correlates in-flight request ids with their callers. Every
// entry leaves the table exactly once: whoever takes it settles it.
type pendingTable struct {
	mu       sync.Mutex
	calls    map[string]*pendingCall
	onChange func(n int)
}

func newPendingTable(onChange func(n int)) *pendingTable {
	return &pendingTable{
		calls:    make(map[string]*pendingCall),
		onChange: onChange,
	}
}

// add registers id and arms its timeout. A zero timeout disables it.
func (t *pendingTable) add(id, method string, timeout time.Duration) *pendingCall {
	call := &pendingCall{
		id:      id,
		method:  method,
		created: time.Now(),
		done:    make(chan callResult, 1),
	}

	t.mu.Lock()
	t.calls[id] = call
	n := len(t.calls)
	t.mu.Unlock()
	t.changed(n)

	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			t.reject(id, fmt.Errorf("%s after %s: %w", method, timeout, perrors.ErrTimeout))
		})
	}
	return call
}

// take removes id from the table. Only the first caller gets the entry.
func (t *pendingTable) take(id string) (*pendingCall, bool) {
	t.mu.Lock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	n := len(t.calls)
	t.mu.Unlock()

	if !ok {
		return nil, false
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	t.changed(n)
	return call, true
}

// resolve settles id with payload. Returns false if id is no longer pending.
func (t *pendingTable) resolve(id string, payload json.RawMessage) bool {
	call, ok := t.take(id)
	if !ok {
		return false
	}
	call.done <- callResult{payload: payload}
	return true
}

// reject settles id with err. Returns false if id is no longer pending.
func (t *pendingTable) reject(id string, err error) bool {
	call, ok := t.take(id)
	if !ok {
		return false
	}
	call.done <- callResult{err: err}
	return true
}

// drop removes id without settling it; used when the caller stopped waiting.
func (t *pendingTable) drop(id string) {
	t.take(id)
}

// rejectAll settles every pending call with err and empties the table.
func (t *pendingTable) rejectAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.done <- callResult{err: err}
	}
	if len(calls) > 0 {
		t.changed(0)
	}
	return len(calls)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *pendingTable) changed(n int) {
	if t.onChange != nil {
		t.onChange(n)
	}
}
