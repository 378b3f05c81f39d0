package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/metainfo"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(SQLConfig{Driver: "sqlite3", DSN: "file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStorePeerRoundTrip(t *testing.T) {
	require := require.New(t)

	s := newTestSQLStore(t)

	id := core.PeerIDFixture()
	require.NoError(s.UpsertPeer(id, "10.0.0.1", 6881))

	rec, err := s.GetPeer(id)
	require.NoError(err)
	require.Equal(id, rec.PeerID)
	require.Equal("10.0.0.1", rec.IP)

	require.NoError(s.UpsertPeer(id, "10.0.0.2", 6882))
	rec, err = s.GetPeer(id)
	require.NoError(err)
	require.Equal("10.0.0.2", rec.IP)
}

func TestSQLStoreTorrentAndPieces(t *testing.T) {
	require := require.New(t)

	s := newTestSQLStore(t)

	_, info := metainfo.TorrentInfoFixture(64, 32)
	h, err := info.InfoHash()
	require.NoError(err)

	require.NoError(s.AddTorrent(h, info))
	got, err := s.GetTorrent(h)
	require.NoError(err)
	require.Equal(info.Name, got.Name)
	require.Equal(info.TotalLength, got.TotalLength)

	peerID := core.PeerIDFixture()
	require.NoError(s.SetFilePeers(h, peerID, []int{0, 1}))

	entry, err := s.GetFile(h)
	require.NoError(err)
	require.Len(entry.Peers, 1)
	require.Contains(entry.Peers[0].PieceIndices, 0)
	require.Contains(entry.Peers[0].PieceIndices, 1)

	data := []byte("hello piece")
	require.NoError(s.PutPiece(peerID, h, 0, data))
	got2, err := s.GetPiece(peerID, h, 0)
	require.NoError(err)
	require.Equal(data, got2)
}
