package wire

import "encoding/base64"

// EncodePieceData base64-encodes raw piece bytes for transport.
func EncodePieceData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePieceData base64-decodes a transported piece_data field.
func DecodePieceData(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

// DoHandshake performs the client side of the handshake: send, then expect
// a success status in the response.
func DoHandshake(c *Conn, peerID string) error {
	if err := c.Send(Handshake(peerID)); err != nil {
		return err
	}
	resp, err := c.Recv()
	if err != nil {
		return err
	}
	if resp.Status != StatusSuccess {
		return &ProtocolError{Reason: resp.Message}
	}
	return nil
}

// ProtocolError wraps a peer-reported error response.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return "wire: protocol error"
	}
	return "wire: protocol error: " + e.Reason
}
