package trackerserver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/store"
	"github.com/shardhash/torrentd/wire"
)

func dialTest(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := store.NewMemoryStore(store.MemoryConfig{})
	t.Cleanup(func() { s.Close() })

	srv := New(Config{Addr: "127.0.0.1:0"}, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l, err := listenForTest(srv, ctx)
	require.NoError(t, err)
	return srv, l
}

// listenForTest starts ListenAndServe in the background and returns the
// bound address once the listener is up.
func listenForTest(srv *Server, ctx context.Context) (string, error) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()

	// Poll until the listener is bound.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		l := srv.listener
		srv.mu.Unlock()
		if l != nil {
			return l.Addr().String(), nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return "", context.DeadlineExceeded
}

func TestUploadThenHandshakeAndGetPeers(t *testing.T) {
	require := require.New(t)

	srv, addr := startTestServer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(os.WriteFile(path, []byte("hello world"), 0644))

	seederID := core.PeerIDFixture()
	h, err := srv.UploadFile(path, seederID, "127.0.0.1", 6881)
	require.NoError(err)

	nc, err := dialTest(addr)
	require.NoError(err)
	defer nc.Close()

	conn := wire.NewConn(nc)
	require.NoError(wire.DoHandshake(conn, seederID.String()))

	require.NoError(conn.Send(wire.GetPeers(seederID.String(), h.Hex())))
	resp, err := conn.Recv()
	require.NoError(err)
	require.Equal(wire.StatusSuccess, resp.Status)
	// Uploader is excluded from its own get_peers response.
	require.Empty(resp.Peers)
}

func TestHandshakeRejectsUnknownPeer(t *testing.T) {
	require := require.New(t)

	_, addr := startTestServer(t)

	nc, err := dialTest(addr)
	require.NoError(err)
	defer nc.Close()

	conn := wire.NewConn(nc)
	unknown := core.PeerIDFixture()
	err = wire.DoHandshake(conn, unknown.String())
	require.Error(err)
}

func TestUpdatePiecesThenGetPeersExcludesSelf(t *testing.T) {
	require := require.New(t)

	srv, addr := startTestServer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(os.WriteFile(path, make([]byte, 100), 0644))

	seederID := core.PeerIDFixture()
	h, err := srv.UploadFile(path, seederID, "127.0.0.1", 6881)
	require.NoError(err)

	leecherID := core.PeerIDFixture()
	require.NoError(srv.store.UpsertPeer(leecherID, "127.0.0.1", 6882))

	nc, err := dialTest(addr)
	require.NoError(err)
	defer nc.Close()

	conn := wire.NewConn(nc)
	require.NoError(wire.DoHandshake(conn, leecherID.String()))

	require.NoError(conn.Send(wire.UpdatePieces(leecherID.String(), h.Hex(), []int{0})))
	resp, err := conn.Recv()
	require.NoError(err)
	require.Equal(wire.StatusSuccess, resp.Status)

	require.NoError(conn.Send(wire.GetPeers(leecherID.String(), h.Hex())))
	resp, err = conn.Recv()
	require.NoError(err)
	require.Len(resp.Peers, 1)
	require.Equal(seederID.String(), resp.Peers[0].PeerID)
}
