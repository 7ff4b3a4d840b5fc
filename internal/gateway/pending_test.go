package gateway

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
)

func TestPendingTable_ResolveOnce(t *testing.T) {
	tbl := newPendingTable(nil)
	call := tbl.add("1", "sessions.list", time.Minute)
	assert.Equal(t, 1, tbl.len())

	assert.True(t, tbl.resolve("1", json.RawMessage(`{"ok":1}`)))
	assert.False(t, tbl.resolve("1", json.RawMessage(`{"ok":2}`)))
	assert.False(t, tbl.reject("1", errors.New("late")))

	res := <-call.done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"ok":1}`, string(res.payload))
	assert.Equal(t, 0, tbl.len())
}

func TestPendingTable_Timeout(t *testing.T) {
	tbl := newPendingTable(nil)
	call := tbl.add("1", "chat.send", 20*time.Millisecond)

	select {
	case res := <-call.done:
		assert.ErrorIs(t, res.err, perrors.ErrTimeout)
		assert.Contains(t, res.err.Error(), "chat.send")
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// A late response finds nothing and does not grow the table.
	assert.False(t, tbl.resolve("1", json.RawMessage(`{}`)))
	assert.Equal(t, 0, tbl.len())
}

func TestPendingTable_RejectAll(t *testing.T) {
	var changes []int
	tbl := newPendingTable(func(n int) { changes = append(changes, n) })

	calls := []*pendingCall{
		tbl.add("a", "m", time.Minute),
		tbl.add("b", "m", time.Minute),
		tbl.add("c", "m", 0),
	}
	assert.Equal(t, 3, tbl.rejectAll(perrors.ErrDisconnected))
	assert.Equal(t, 0, tbl.len())

	for _, call := range calls {
		res := <-call.done
		assert.ErrorIs(t, res.err, perrors.ErrDisconnected)
	}
	assert.Equal(t, []int{1, 2, 3, 0}, changes)
	assert.Equal(t, 0, tbl.rejectAll(perrors.ErrDisconnected))
}

func TestPendingTable_Drop(t *testing.T) {
	tbl := newPendingTable(nil)
	call := tbl.add("x", "m", 10*time.Millisecond)
	tbl.drop("x")
	assert.Equal(t, 0, tbl.len())

	time.Sleep(30 * time.Millisecond)
	select {
	case <-call.done:
		t.Fatal("dropped call must not be settled")
	default:
	}
}

func TestPendingTable_ConcurrentSettleExactlyOnce(t *testing.T) {
	tbl := newPendingTable(nil)
	const n = 200
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := strconv.Itoa(i)
		tbl.add(id, "m", time.Minute)
		ids = append(ids, id)
	}

	var wins atomic.Int64
	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(id string, j int) {
				defer wg.Done()
				var ok bool
				if j%2 == 0 {
					ok = tbl.resolve(id, nil)
				} else {
					ok = tbl.reject(id, errors.New("x"))
				}
				if ok {
					wins.Add(1)
				}
			}(id, j)
		}
	}
	wg.Wait()

	assert.Equal(t, int64(len(ids)), wins.Load())
	assert.Equal(t, 0, tbl.len())
}
