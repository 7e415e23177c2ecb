package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAborter struct {
	aborted []string
}

func (f *fakeAborter) Abort(agent, reason string) error {
	f.aborted = append(f.aborted, agent)
	return nil
}

func newTestSentinel(globalHardCap, checkpointInterval int) (*Sentinel, *fakeAborter) {
	aborter := &fakeAborter{}
	s := New(Config{
		GlobalHardCap:      globalHardCap,
		CheckpointInterval: checkpointInterval,
		DefaultWallTimeMS:  45_000,
		WarnThreshold:      0.80,
		ThrottleThreshold:  0.95,
	}, nil, aborter, nil)
	return s, aborter
}

// S1 — Soft cap warn. checkpoint_interval is left unspecified by the
// scenario; a value large enough not to interfere (the scenario only
// exercises the warn threshold) is used, matching the cadence-specific
// fixture in the S2 test below.
func TestScenarioS1SoftCapWarn(t *testing.T) {
	s, _ := newTestSentinel(1000, 1000)
	s.Register("A", AgentLimits{SoftCap: 100, HardCap: 200})

	verdict, err := s.Track("A", "t", 85, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, VerdictWarn, verdict)
	assert.Equal(t, 85, s.Snapshot()["A"].CreditsUsed)
}

// S2 — Checkpoint cadence.
func TestScenarioS2CheckpointCadence(t *testing.T) {
	s, _ := newTestSentinel(1_000_000, 50)
	s.Register("B", AgentLimits{SoftCap: 10_000, HardCap: 1_000_000})

	var verdicts []Verdict
	for i := 0; i < 20; i++ {
		v, err := s.Track("B", "t", 5, 0, 0)
		require.NoError(t, err)
		verdicts = append(verdicts, v)
	}

	for i, v := range verdicts {
		switch i {
		case 9, 19:
			assert.Equal(t, VerdictCheckpoint, v, "call %d", i+1)
		default:
			assert.Equal(t, VerdictAllow, v, "call %d", i+1)
		}
	}
	assert.Equal(t, 100, s.Snapshot()["B"].CreditsUsed)
}

// S3 — Throttle then abort.
func TestScenarioS3ThrottleThenAbort(t *testing.T) {
	s, aborter := newTestSentinel(1_000_000, 50)
	s.Register("C", AgentLimits{SoftCap: 100, HardCap: 110})

	v1, err := s.Track("C", "t", 96, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, VerdictThrottle, v1)

	v2, err := s.Track("C", "t", 20, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, VerdictAbort, v2)
	assert.Contains(t, aborter.aborted, "C")
}

// Invariant: global cap never crossed.
func TestGlobalHardCapNeverCrossed(t *testing.T) {
	s, _ := newTestSentinel(100, 50)
	s.Register("A", AgentLimits{SoftCap: 1000, HardCap: 1000})

	v1, _ := s.Track("A", "t", 90, 0, 0)
	assert.NotEqual(t, VerdictAbort, v1)

	v2, _ := s.Track("A", "t", 20, 0, 0)
	assert.Equal(t, VerdictAbort, v2)
	assert.LessOrEqual(t, s.GlobalCreditsUsed(), 100)
}

// Invariant: verdict ladder exclusivity / determinism for identical input.
func TestVerdictDeterminism(t *testing.T) {
	mk := func() *Sentinel {
		s, _ := newTestSentinel(1_000_000, 50)
		s.Register("A", AgentLimits{SoftCap: 100, HardCap: 200})
		return s
	}
	s1, s2 := mk(), mk()
	v1, _ := s1.Track("A", "t", 85, 0, 0)
	v2, _ := s2.Track("A", "t", 85, 0, 0)
	assert.Equal(t, v1, v2)
}

// Invariant: checkpoint resets the interval counter to zero.
func TestCheckpointCadenceResets(t *testing.T) {
	s, _ := newTestSentinel(1_000_000, 10)
	s.Register("A", AgentLimits{SoftCap: 10_000, HardCap: 1_000_000})

	v, err := s.Track("A", "t", 10, 0, 0)
	require.NoError(t, err)
	require.Equal(t, VerdictCheckpoint, v)
	rec := s.Snapshot()["A"]
	assert.Equal(t, rec.CreditsUsed, rec.LastCheckpointCredits)
}

// Invariant: credit monotonicity.
func TestCreditsMonotonicAcrossNonAbortCalls(t *testing.T) {
	s, _ := newTestSentinel(1_000_000, 50)
	s.Register("A", AgentLimits{SoftCap: 100_000, HardCap: 1_000_000})

	last := 0
	for i := 0; i < 25; i++ {
		_, err := s.Track("A", "t", 3, 0, 0)
		require.NoError(t, err)
		current := s.Snapshot()["A"].CreditsUsed
		assert.GreaterOrEqual(t, current, last)
		last = current
	}
}

func TestWallTimeExceededAborts(t *testing.T) {
	s, aborter := newTestSentinel(1_000_000, 50)
	s.Register("A", AgentLimits{SoftCap: 1_000_000, HardCap: 1_000_000, WallTimeLimitMS: 100})

	v, err := s.Track("A", "t", 1, 0, 500)
	require.NoError(t, err)
	assert.Equal(t, VerdictAbort, v)
	assert.Contains(t, aborter.aborted, "A")
}
