// Package peerserver implements the serving side of the peer wire protocol:
// a TCP listener that answers handshake and request_piece messages out of
// a local Store.
package peerserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/store"
	"github.com/shardhash/torrentd/wire"
)

// Server runs the peer's inbound TCP listener.
type Server struct {
	config   Config
	localID  core.PeerID
	store    store.Store
	log      *zap.SugaredLogger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup

	peersMu sync.Mutex
	peers   map[string]core.PeerID // addr -> handshaked peer id
}

// New creates a Server that serves pieces held under localID, its own peer
// id in the store. log may be nil, in which case a no-op logger is used.
func New(config Config, localID core.PeerID, s store.Store, log *zap.SugaredLogger) *Server {
	config.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		config:  config,
		localID: localID,
		store:   s,
		log:     log,
		peers:   make(map[string]core.PeerID),
	}
}

// ListenAndServe binds config.Addr and serves connections until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen: %s", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.log.Infof("peer server listening on %s", l.Addr())

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		if tcpListener, ok := l.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(s.config.AcceptPollInterval))
		}
		nc, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					s.wg.Wait()
					return nil
				default:
					continue
				}
			}
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %s", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

// ListenAddr returns the address the server is bound to, or "" if
// ListenAndServe has not yet bound a listener.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the listener, causing ListenAndServe to return.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(nc net.Conn) {
	conn := wire.NewConn(nc)
	defer conn.Close()

	addr := nc.RemoteAddr().String()
	defer func() {
		s.peersMu.Lock()
		delete(s.peers, addr)
		s.peersMu.Unlock()
	}()

	for {
		req, err := conn.Recv()
		if err != nil {
			s.log.Debugf("peer connection from %s ended: %s", addr, err)
			return
		}

		switch req.Type {
		case wire.TypeHandshake:
			peerID, err := core.NewPeerID(req.PeerID)
			if err != nil {
				conn.Send(wire.Error("invalid peer_id"))
				continue
			}
			s.peersMu.Lock()
			s.peers[addr] = peerID
			s.peersMu.Unlock()
			conn.Send(wire.Success())

		case wire.TypeRequestPiece:
			s.handleRequestPiece(conn, req)

		default:
			conn.Send(wire.Error("unknown request type"))
		}
	}
}

func (s *Server) handleRequestPiece(conn *wire.Conn, req *wire.Message) {
	if _, err := core.NewPeerID(req.PeerID); err != nil {
		conn.Send(wire.Error("invalid peer_id"))
		return
	}
	h, err := core.NewInfoHashFromHex(req.InfoHash)
	if err != nil {
		conn.Send(wire.Error("invalid info_hash"))
		return
	}

	// Pieces are stored keyed by the holder's own peer id, not the
	// requester's (req.PeerID identifies whoever is asking).
	data, err := s.store.GetPiece(s.localID, h, req.PieceIndex)
	if err != nil {
		conn.Send(wire.Error("Piece not found"))
		return
	}

	msg := wire.PieceContentMessage(wire.EncodePieceData(data))
	if err := conn.Send(msg); err != nil {
		s.log.Errorf("failed to send piece %d to %s: %s", req.PieceIndex, req.PeerID, err)
		return
	}

	if err := conn.WaitForAck(s.config.AckTimeout); err != nil {
		s.log.Warnf("no ack for piece %d from %s: %s", req.PieceIndex, req.PeerID, err)
	}
}
