package peerserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/store"
	"github.com/shardhash/torrentd/wire"
)

func startTestServer(t *testing.T) (*Server, string, core.PeerID) {
	t.Helper()
	s := store.NewMemoryStore(store.MemoryConfig{})
	t.Cleanup(func() { s.Close() })

	localID := core.PeerIDFixture()
	srv := New(Config{Addr: "127.0.0.1:0", AckTimeout: time.Second}, localID, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		l := srv.listener
		srv.mu.Unlock()
		if l != nil {
			return srv, l.Addr().String(), localID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start")
	return nil, "", core.PeerID{}
}

func TestRequestPieceHit(t *testing.T) {
	require := require.New(t)

	srv, addr, localID := startTestServer(t)

	h := core.InfoHashFixture()
	require.NoError(srv.store.PutPiece(localID, h, 0, []byte("piece contents")))

	nc, err := net.Dial("tcp", addr)
	require.NoError(err)
	defer nc.Close()

	conn := wire.NewConn(nc)
	require.NoError(wire.DoHandshake(conn, core.PeerIDFixture().String()))

	// The requester's peer_id differs from localID, the content holder's
	// identity under which the piece is actually stored.
	require.NoError(conn.Send(wire.RequestPiece(core.PeerIDFixture().String(), h.Hex(), 0)))
	resp, err := conn.Recv()
	require.NoError(err)
	require.Equal(wire.StatusSuccess, resp.Status)
	require.Equal(wire.EndMarker, resp.EndMarker)

	data, err := wire.DecodePieceData(resp.PieceData)
	require.NoError(err)
	require.Equal("piece contents", string(data))

	require.NoError(conn.SendAck())
}

func TestRequestPieceMiss(t *testing.T) {
	require := require.New(t)

	_, addr, _ := startTestServer(t)

	nc, err := net.Dial("tcp", addr)
	require.NoError(err)
	defer nc.Close()

	conn := wire.NewConn(nc)
	require.NoError(wire.DoHandshake(conn, core.PeerIDFixture().String()))

	peerID := core.PeerIDFixture()
	h := core.InfoHashFixture()
	require.NoError(conn.Send(wire.RequestPiece(peerID.String(), h.Hex(), 0)))

	resp, err := conn.Recv()
	require.NoError(err)
	require.Equal(wire.StatusError, resp.Status)
	require.Contains(resp.Message, "not found")
}
