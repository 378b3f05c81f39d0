package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newConnPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestSendRecvControlMessage(t *testing.T) {
	require := require.New(t)

	client, server := newConnPair(t)

	go func() {
		client.Send(GetPeers("peer1", "abcd"))
	}()

	msg, err := server.Recv()
	require.NoError(err)
	require.Equal(TypeGetPeers, msg.Type)
	require.Equal("peer1", msg.PeerID)
	require.Equal("abcd", msg.InfoHash)
}

func TestSendRecvPieceContent(t *testing.T) {
	require := require.New(t)

	client, server := newConnPair(t)

	content := make([]byte, 10000) // forces multi-chunk write
	for i := range content {
		content[i] = byte(i)
	}
	encoded := EncodePieceData(content)

	go func() {
		server.Send(PieceContentMessage(encoded))
	}()

	msg, err := client.Recv()
	require.NoError(err)
	require.Equal(StatusSuccess, msg.Status)
	require.Equal(EndMarker, msg.EndMarker)

	decoded, err := DecodePieceData(msg.PieceData)
	require.NoError(err)
	require.Equal(content, decoded)
}

func TestAckRoundTrip(t *testing.T) {
	require := require.New(t)

	client, server := newConnPair(t)

	go func() {
		client.SendAck()
	}()

	require.NoError(server.WaitForAck(time.Second))
}

func TestWaitForAckTimesOut(t *testing.T) {
	require := require.New(t)

	_, server := newConnPair(t)

	err := server.WaitForAck(50 * time.Millisecond)
	require.ErrorIs(err, ErrAckTimeout)
}

func TestCloseIsIdempotent(t *testing.T) {
	require := require.New(t)

	c, _ := newConnPair(t)
	require.NoError(c.Close())
	require.NoError(c.Close())

	_, err := c.Recv()
	require.ErrorIs(err, ErrConnClosed)
}

func TestDoHandshakeSuccess(t *testing.T) {
	require := require.New(t)

	client, server := newConnPair(t)

	go func() {
		msg, _ := server.Recv()
		require.Equal(TypeHandshake, msg.Type)
		server.Send(Success())
	}()

	require.NoError(DoHandshake(client, "peer1"))
}

func TestDoHandshakeError(t *testing.T) {
	require := require.New(t)

	client, server := newConnPair(t)

	go func() {
		server.Recv()
		server.Send(Error("unknown peer"))
	}()

	err := DoHandshake(client, "peer1")
	require.Error(err)
	require.Contains(err.Error(), "unknown peer")
}
