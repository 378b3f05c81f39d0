package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/metainfo"
)

func TestMemoryStorePeerRoundTrip(t *testing.T) {
	require := require.New(t)

	s := NewMemoryStore(MemoryConfig{})
	defer s.Close()

	_, err := s.GetPeer(core.PeerIDFixture())
	require.ErrorIs(err, ErrNotFound)

	id := core.PeerIDFixture()
	require.NoError(s.UpsertPeer(id, "10.0.0.1", 6881))

	rec, err := s.GetPeer(id)
	require.NoError(err)
	require.Equal(id, rec.PeerID)
	require.Equal("10.0.0.1", rec.IP)
	require.Equal(6881, rec.Port)

	require.NoError(s.UpsertPeer(id, "10.0.0.2", 6882))
	rec, err = s.GetPeer(id)
	require.NoError(err)
	require.Equal("10.0.0.2", rec.IP)
}

func TestMemoryStoreTorrentIsImmutable(t *testing.T) {
	require := require.New(t)

	s := NewMemoryStore(MemoryConfig{})
	defer s.Close()

	_, info := metainfo.TorrentInfoFixture(64, 32)
	h, err := info.InfoHash()
	require.NoError(err)

	require.NoError(s.AddTorrent(h, info))

	_, other := metainfo.TorrentInfoFixture(64, 32)
	require.NoError(s.AddTorrent(h, other)) // no-op, first write wins

	got, err := s.GetTorrent(h)
	require.NoError(err)
	require.Equal(info.Name, got.Name)
}

func TestMemoryStoreFilePeers(t *testing.T) {
	require := require.New(t)

	s := NewMemoryStore(MemoryConfig{})
	defer s.Close()

	h := core.InfoHashFixture()
	_, err := s.GetFile(h)
	require.ErrorIs(err, ErrNotFound)

	p1 := core.PeerIDFixture()
	p2 := core.PeerIDFixture()
	require.NoError(s.SetFilePeers(h, p1, []int{0, 1}))
	require.NoError(s.SetFilePeers(h, p2, []int{1, 2}))

	entry, err := s.GetFile(h)
	require.NoError(err)
	require.Len(entry.Peers, 2)

	byPeer := make(map[core.PeerID]map[int]struct{})
	for _, pp := range entry.Peers {
		byPeer[pp.PeerID] = pp.PieceIndices
	}
	require.Contains(byPeer[p1], 0)
	require.Contains(byPeer[p1], 1)
	require.Contains(byPeer[p2], 1)
	require.Contains(byPeer[p2], 2)

	// Replacing p1's set drops stale entries.
	require.NoError(s.SetFilePeers(h, p1, []int{5}))
	entry, err = s.GetFile(h)
	require.NoError(err)
	for _, pp := range entry.Peers {
		if pp.PeerID == p1 {
			require.Equal(map[int]struct{}{5: {}}, pp.PieceIndices)
		}
	}
}

func TestMemoryStorePieces(t *testing.T) {
	require := require.New(t)

	s := NewMemoryStore(MemoryConfig{})
	defer s.Close()

	h := core.InfoHashFixture()
	peerID := core.PeerIDFixture()

	_, err := s.GetPiece(peerID, h, 0)
	require.ErrorIs(err, ErrNotFound)

	data := []byte("piece contents")
	require.NoError(s.PutPiece(peerID, h, 0, data))

	got, err := s.GetPiece(peerID, h, 0)
	require.NoError(err)
	require.Equal(data, got)

	// Returned slice is a copy; mutating it must not affect the store.
	got[0] = 'X'
	got2, err := s.GetPiece(peerID, h, 0)
	require.NoError(err)
	require.Equal(data, got2)
}

func TestNewDefaultsToMemory(t *testing.T) {
	require := require.New(t)

	s, err := New(Config{})
	require.NoError(err)
	defer s.Close()

	_, ok := s.(*MemoryStore)
	require.True(ok)
}
