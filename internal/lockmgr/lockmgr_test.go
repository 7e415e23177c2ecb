package lockmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAborter struct {
	mu      sync.Mutex
	aborted []string
}

func (r *recordingAborter) Abort(agent, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, agent)
	return nil
}

func (r *recordingAborter) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.aborted...)
}

func TestAcquireGrantsImmediatelyWhenFree(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Acquire("A", "r1"))
	assert.Equal(t, "A", m.Holders()["r1"])
}

// Invariant: lock exclusivity.
func TestOnlyOneHolderAtATime(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Acquire("A", "r1"))

	granted := make(chan struct{})
	go func() {
		require.NoError(t, m.Acquire("B", "r1"))
		close(granted)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-granted:
		t.Fatal("B should not have been granted r1 while A holds it")
	default:
	}
	assert.Equal(t, "A", m.Holders()["r1"])

	require.NoError(t, m.Release("A", "r1"))
	<-granted
	assert.Equal(t, "B", m.Holders()["r1"])
}

// Invariant: FIFO for waiters on non-deadlock resolution.
func TestWaitersServedFIFO(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Acquire("A", "r1"))

	order := make(chan string, 2)
	go func() {
		require.NoError(t, m.Acquire("B", "r1"))
		order <- "B"
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		require.NoError(t, m.Acquire("C", "r1"))
		order <- "C"
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, m.Release("A", "r1"))
	first := <-order
	assert.Equal(t, "B", first)
	require.NoError(t, m.Release("B", "r1"))
	second := <-order
	assert.Equal(t, "C", second)
}

func TestReleaseNotHeldIsProtocolViolation(t *testing.T) {
	m := New(nil)
	err := m.Release("A", "r1")
	require.Error(t, err)
}

// S4 — Lock deadlock resolution.
func TestScenarioS4DeadlockResolution(t *testing.T) {
	aborter := &recordingAborter{}
	m := New(aborter)

	require.NoError(t, m.Acquire("X", "r1"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Acquire("Y", "r2"))
	time.Sleep(5 * time.Millisecond)

	xDone := make(chan error, 1)
	go func() { xDone <- m.Acquire("X", "r2") }()
	time.Sleep(10 * time.Millisecond)

	yDone := make(chan error, 1)
	go func() { yDone <- m.Acquire("Y", "r1") }()
	time.Sleep(10 * time.Millisecond)

	// Y acquired its lock (r2) 5ms after X acquired r1, so Y is the cycle's
	// youngest holder and the deterministic victim. Y's own enqueue already
	// ran the cycle check inside Acquire and aborted Y, so the periodic poll
	// that follows finds no cycle left to resolve.
	victims := m.PollDeadlocks()
	assert.Empty(t, victims)

	select {
	case err := <-yDone:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Y's pending acquire did not resolve")
	}

	assert.Equal(t, []string{"Y"}, aborter.list())
}

func TestDetectCyclesFindsSimpleCycle(t *testing.T) {
	graph := map[string][]string{
		"X": {"Y"},
		"Y": {"X"},
	}
	cycles := detectCycles(graph)
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []string{"X", "Y"}, cycles[0])
}

func TestDetectCyclesNoCycleWhenAcyclic(t *testing.T) {
	graph := map[string][]string{
		"X": {"Y"},
		"Y": {"Z"},
	}
	assert.Empty(t, detectCycles(graph))
}

func TestSelectVictimPrefersMostRecentAcquisition(t *testing.T) {
	now := time.Now()
	acquiredAt := map[string]time.Time{
		"X": now,
		"Y": now.Add(time.Second),
	}
	assert.Equal(t, "Y", selectVictim([]string{"X", "Y"}, acquiredAt))
}

func TestSelectVictimTiebreaksLexicographically(t *testing.T) {
	now := time.Now()
	acquiredAt := map[string]time.Time{
		"X": now,
		"Y": now,
	}
	assert.Equal(t, "Y", selectVictim([]string{"X", "Y"}, acquiredAt))
}

func TestReleaseAllReleasesAndDequeues(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Acquire("A", "r1"))

	waiterErr := make(chan error, 1)
	go func() { waiterErr <- m.Acquire("B", "r1") }()
	time.Sleep(10 * time.Millisecond)

	m.ReleaseAll("A")
	select {
	case err := <-waiterErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("B was never granted after A's ReleaseAll")
	}
	assert.Equal(t, "B", m.Holders()["r1"])
}
