package piecerequest

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/shardhash/torrentd/core"
)

func TestManagerReserve(t *testing.T) {
	require := require.New(t)

	m := NewManager(clock.NewMock(), 5*time.Second)
	peerID := core.PeerIDFixture()

	require.True(m.Reserve(peerID, 0))
	require.False(m.Reserve(core.PeerIDFixture(), 0))
}

func TestManagerReserveExpiredRequest(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	timeout := 5 * time.Second

	m := NewManager(clk, timeout)
	peerID := core.PeerIDFixture()

	require.True(m.Reserve(peerID, 0))
	require.False(m.Reserve(peerID, 0))

	clk.Add(timeout + 1)

	require.True(m.Reserve(core.PeerIDFixture(), 0))
}

func TestManagerMarkCompleted(t *testing.T) {
	require := require.New(t)

	m := NewManager(clock.NewMock(), 5*time.Second)
	peerID := core.PeerIDFixture()

	require.True(m.Reserve(peerID, 0))
	m.MarkCompleted(peerID, 0)

	require.False(m.IsOutstanding(0))
}

func TestManagerMarkFailedFreesPiece(t *testing.T) {
	require := require.New(t)

	m := NewManager(clock.NewMock(), 5*time.Second)
	peerID := core.PeerIDFixture()

	require.True(m.Reserve(peerID, 0))
	m.MarkFailed(peerID, 0)

	require.True(m.Reserve(core.PeerIDFixture(), 0))
}

func TestManagerAbandonPeer(t *testing.T) {
	require := require.New(t)

	m := NewManager(clock.NewMock(), 5*time.Second)
	peerID := core.PeerIDFixture()

	require.True(m.Reserve(peerID, 0))
	require.True(m.Reserve(peerID, 1))

	pieces := m.AbandonPeer(peerID)
	require.ElementsMatch([]int{0, 1}, pieces)

	require.True(m.Reserve(core.PeerIDFixture(), 0))
}

func TestManagerClear(t *testing.T) {
	require := require.New(t)

	m := NewManager(clock.NewMock(), 5*time.Second)
	peerID := core.PeerIDFixture()

	require.True(m.Reserve(peerID, 0))
	m.Clear(0)

	require.False(m.IsOutstanding(0))
	require.True(m.Reserve(core.PeerIDFixture(), 0))
}

func TestManagerExpired(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	timeout := 5 * time.Second

	m := NewManager(clk, timeout)
	peerID := core.PeerIDFixture()

	require.True(m.Reserve(peerID, 0))
	require.Empty(m.Expired())

	clk.Add(timeout + 1)

	expired := m.Expired()
	require.Len(expired, 1)
	require.Equal(0, expired[0].Piece)
	require.Equal(peerID, expired[0].PeerID)
}
