package scheduler

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/shardhash/torrentd/core"
)

func TestPeerStatsSuccessRateDefaultsWithNoHistory(t *testing.T) {
	require.Equal(t, 0.5, (&peerStats{}).successRate())
}

func TestPeerStatsSuccessRateReflectsOutcomes(t *testing.T) {
	st := &peerStats{}
	st.recordSuccess()
	st.recordSuccess()
	st.recordFailure()
	require.InDelta(t, 2.0/3.0, st.successRate(), 1e-9)
}

func TestBumpScoreUpdatesSuccessRate(t *testing.T) {
	require := require.New(t)

	sched := New(testConfig(), core.PeerIDFixture(), clock.New(), nil, nil)
	peerID := core.PeerIDFixture()

	// Seed the score so bumpScoreOnFailure takes the "already scored" path.
	sched.peerScore(peerID)

	for i := 0; i < 3; i++ {
		sched.bumpScoreOnFailure(peerID)
	}
	sched.bumpScoreOnSuccess(peerID)

	sched.scoreMu.Lock()
	st := sched.stats[peerID]
	sched.scoreMu.Unlock()

	require.Equal(1, st.successCount)
	require.Equal(3, st.failureCount)
	require.InDelta(0.25, st.successRate(), 1e-9)
}
