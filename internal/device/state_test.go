package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTracker_ListenersAndUnsubscribe(t *testing.T) {
	tr := newStateTracker()
	var got []State
	unsubscribe := tr.subscribe(func(device string, from, to State) { got = append(got, to) })

	tr.set("board", Connected, "")
	tr.set("board", Connected, "")
	tr.set("board", ReadyToUse, "")
	unsubscribe()
	unsubscribe()
	tr.set("board", Disconnected, "")

	assert.Equal(t, []State{Connected, ReadyToUse}, got, "repeats are dropped and removed listeners stay quiet")
	assert.Equal(t, Disconnected, tr.get())
}

func TestStateTracker_HistoryKeepsNewest(t *testing.T) {
	tr := newStateTracker()
	for i := 0; i < historySize+5; i++ {
		if i%2 == 0 {
			tr.set("board", Connected, "up")
		} else {
			tr.set("board", Disconnected, "down")
		}
	}

	h := tr.history()
	assert.Len(t, h, historySize)
	assert.Equal(t, tr.get(), h[len(h)-1].To)
	for i := 1; i < len(h); i++ {
		assert.False(t, h[i].At.Before(h[i-1].At))
		assert.Equal(t, h[i-1].To, h[i].From)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "ready", ReadyToUse.String())
	assert.Equal(t, "unknown", State(7).String())
}
