package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrConnClosed is returned by Conn methods once Close has been called.
var ErrConnClosed = errors.New("wire: conn is closed")

// ErrAckTimeout is returned when a seeder does not receive an ACK for a
// transferred piece within the allotted window.
var ErrAckTimeout = errors.New("wire: timed out waiting for ack")

const (
	chunkSize   = 4096
	readBufSize = 8192
)

// Conn wraps a TCP connection with the JSON message framing shared by the
// tracker and peer wire protocols. It is safe to close concurrently with
// in-flight reads/writes; concurrent Send/Recv calls from multiple
// goroutines are not supported, matching the strictly serialized,
// one-handler-per-connection model described by both protocols.
type Conn struct {
	nc net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps nc in a Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, closed: make(chan struct{})}
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// RemoteAddr returns the address of the peer on the other end of the conn.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send marshals msg and writes it to the connection in chunkSize pieces,
// mirroring the chunked-write convention used for large piece transfers
// (small control messages simply complete in one chunk).
func (c *Conn) Send(msg *Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %s", err)
	}
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := c.nc.Write(data[i:end]); err != nil {
			return fmt.Errorf("write: %s", err)
		}
	}
	return nil
}

// Recv reads from the connection until a complete JSON object has arrived
// and decodes it into a Message. It tolerates TCP fragmentation: a message
// may span many reads, and a chunked piece-content response is recognized
// by the presence of the literal end marker as well as by becoming valid
// JSON once fully buffered.
func (c *Conn) Recv() (*Message, error) {
	select {
	case <-c.closed:
		return nil, ErrConnClosed
	default:
	}

	var buf bytes.Buffer
	chunk := make([]byte, readBufSize)
	for {
		n, err := c.nc.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if bytes.Contains(buf.Bytes(), []byte(EndMarker)) || json.Valid(buf.Bytes()) {
				var msg Message
				if jsonErr := json.Unmarshal(buf.Bytes(), &msg); jsonErr == nil {
					return &msg, nil
				}
				// Buffer contains the marker but isn't yet valid JSON
				// (marker landed mid-write); keep reading.
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read: %s", err)
		}
	}
}

// SetDeadline forwards to the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

// SetReadDeadline forwards to the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// SetWriteDeadline forwards to the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.nc.SetWriteDeadline(t)
}

// SendAck writes the literal ACK marker used to acknowledge a verified
// piece transfer.
func (c *Conn) SendAck() error {
	_, err := c.nc.Write(Ack)
	return err
}

// WaitForAck blocks until the literal ACK marker arrives or timeout elapses.
func (c *Conn) WaitForAck(timeout time.Duration) error {
	if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set read deadline: %s", err)
	}
	defer c.nc.SetReadDeadline(time.Time{})

	buf := make([]byte, len(Ack))
	n, err := c.nc.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrAckTimeout
		}
		return fmt.Errorf("read ack: %s", err)
	}
	if !bytes.Equal(buf[:n], Ack) {
		return fmt.Errorf("invalid ack: %q", buf[:n])
	}
	return nil
}

// PieceContentMessage builds the chunk-framed success response carrying
// base64-encoded piece content, per §4.2.
func PieceContentMessage(encoded string) *Message {
	return &Message{
		Status:    StatusSuccess,
		PieceData: encoded,
		EndMarker: EndMarker,
	}
}
