// Package trackerserver implements the tracker half of the wire protocol:
// a TCP listener that serves handshake, get_peers, and update_pieces
// requests against a shared store, plus the upload path used to publish a
// new file into the directory.
package trackerserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/metainfo"
	"github.com/shardhash/torrentd/store"
	"github.com/shardhash/torrentd/wire"
)

// Server runs the tracker's TCP listener against a backing Store.
type Server struct {
	config Config
	store  store.Store
	log    *zap.SugaredLogger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a Server. log may be nil, in which case a no-op logger is used.
func New(config Config, s store.Store, log *zap.SugaredLogger) *Server {
	config.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{config: config, store: s, log: log}
}

// ListenAndServe binds config.Addr and serves connections until ctx is
// canceled. It returns nil on a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen: %s", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.log.Infof("tracker listening on %s", l.Addr())

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		tcpListener, ok := l.(*net.TCPListener)
		if ok {
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

	addr := nc.RemoteAddr()
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		req, err := conn.Recv()
		if err != nil {
			s.log.Debugf("tracker connection from %s ended: %s", addr, err)
			return
		}
		resp := s.dispatch(req)
		if err := conn.Send(resp); err != nil {
			s.log.Errorf("tracker failed to respond to %s: %s", addr, err)
			return
		}
	}
}

func (s *Server) dispatch(req *wire.Message) *wire.Message {
	switch req.Type {
	case wire.TypeHandshake:
		return s.handleHandshake(req)
	case wire.TypeGetPeers:
		return s.handleGetPeers(req)
	case wire.TypeUpdatePieces:
		return s.handleUpdatePieces(req)
	default:
		return wire.Error("unknown request type")
	}
}

func (s *Server) handleHandshake(req *wire.Message) *wire.Message {
	peerID, err := core.NewPeerID(req.PeerID)
	if err != nil {
		return wire.Error("invalid peer_id")
	}
	if _, err := s.store.GetPeer(peerID); err != nil {
		return wire.Error("peer not registered")
	}
	return wire.Success()
}

func (s *Server) handleGetPeers(req *wire.Message) *wire.Message {
	if req.InfoHash == "" {
		return wire.Error("missing info_hash")
	}
	h, err := core.NewInfoHashFromHex(req.InfoHash)
	if err != nil {
		return wire.Error("invalid info_hash")
	}
	file, err := s.store.GetFile(h)
	if err != nil {
		return wire.Error("file not found")
	}

	var entries []wire.PeerEntry
	for _, pp := range file.Peers {
		if pp.PeerID.String() == req.PeerID {
			continue // never return the requesting peer
		}
		rec, err := s.store.GetPeer(pp.PeerID)
		if err != nil {
			continue
		}
		indices := make([]int, 0, len(pp.PieceIndices))
		for i := range pp.PieceIndices {
			indices = append(indices, i)
		}
		entries = append(entries, wire.PeerEntry{
			PeerID:    pp.PeerID.String(),
			IPAddress: rec.IP,
			Port:      rec.Port,
			Pieces:    indices,
		})
	}

	resp := wire.Success()
	resp.Peers = entries
	return resp
}

func (s *Server) handleUpdatePieces(req *wire.Message) *wire.Message {
	if req.InfoHash == "" {
		return wire.Error("missing info_hash")
	}
	h, err := core.NewInfoHashFromHex(req.InfoHash)
	if err != nil {
		return wire.Error("invalid info_hash")
	}
	peerID, err := core.NewPeerID(req.PeerID)
	if err != nil {
		return wire.Error("invalid peer_id")
	}
	if err := s.store.SetFilePeers(h, peerID, req.Pieces); err != nil {
		return wire.Error(err.Error())
	}
	return wire.Success()
}

// UploadFile splits the file at path into pieces, builds its TorrentInfo,
// registers it in the store, and records peerID as holding every piece —
// the path a seeder takes to publish new content.
func (s *Server) UploadFile(path string, peerID core.PeerID, ip string, port int) (core.InfoHash, error) {
	if _, err := os.Stat(path); err != nil {
		return core.InfoHash{}, fmt.Errorf("stat file: %s", err)
	}

	if err := s.store.UpsertPeer(peerID, ip, port); err != nil {
		return core.InfoHash{}, fmt.Errorf("upsert peer: %s", err)
	}

	name := filepath.Base(path)
	info, err := metainfo.NewFromFile(name, path, defaultPieceLength(path))
	if err != nil {
		return core.InfoHash{}, fmt.Errorf("build torrent info: %s", err)
	}

	h, err := info.InfoHash()
	if err != nil {
		return core.InfoHash{}, fmt.Errorf("compute info hash: %s", err)
	}

	if err := s.store.AddTorrent(h, info); err != nil {
		return core.InfoHash{}, fmt.Errorf("add torrent: %s", err)
	}

	indices := make([]int, info.NumPieces())
	for i := range indices {
		indices[i] = i
	}
	if err := s.store.SetFilePeers(h, peerID, indices); err != nil {
		return core.InfoHash{}, fmt.Errorf("set file peers: %s", err)
	}

	pieces, err := metainfo.SplitFile(path, info.PieceLength)
	if err != nil {
		return core.InfoHash{}, fmt.Errorf("split file: %s", err)
	}
	for i, p := range pieces {
		if err := s.store.PutPiece(peerID, h, i, p); err != nil {
			return core.InfoHash{}, fmt.Errorf("store piece %d: %s", i, err)
		}
	}

	return h, nil
}

const (
	minPieceLength         = 32 * 1024
	maxPieceLength         = 1024 * 1024
	baseDefaultPieceLength = 256 * 1024
)

// pieceLengthFor chooses a piece length within [minPieceLength,
// maxPieceLength] based on the file's size, scaling up for larger files so
// the piece count stays manageable.
func pieceLengthFor(size int64) int64 {
	length := int64(baseDefaultPieceLength)
	for length*1024 < size && length < maxPieceLength {
		length *= 2
	}
	if length < minPieceLength {
		length = minPieceLength
	}
	if length > maxPieceLength {
		length = maxPieceLength
	}
	return length
}

func defaultPieceLength(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return baseDefaultPieceLength
	}
	return pieceLengthFor(fi.Size())
}
