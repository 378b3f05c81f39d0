package store

import (
	"sync"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/metainfo"
)

// MemoryConfig configures MemoryStore. It has no tunables today but exists
// for symmetry with the other backends and future growth.
type MemoryConfig struct{}

// MemoryStore is an in-memory Store implementation, suitable for a single
// tracker process or tests. It holds four independently locked maps
// mirroring the concerns the Store interface bundles: peer identity,
// torrent metadata, per-torrent piece claims, and piece contents.
type MemoryStore struct {
	config MemoryConfig

	peersMu sync.RWMutex
	peers   map[core.PeerID]*PeerRecord

	torrentsMu sync.RWMutex
	torrents   map[core.InfoHash]*metainfo.TorrentInfo

	filesMu sync.RWMutex
	files   map[core.InfoHash]map[core.PeerID]map[int]struct{}

	piecesMu sync.RWMutex
	pieces   map[pieceKey][]byte
}

type pieceKey struct {
	peerID   core.PeerID
	infoHash core.InfoHash
	index    int
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore(config MemoryConfig) *MemoryStore {
	return &MemoryStore{
		config:   config,
		peers:    make(map[core.PeerID]*PeerRecord),
		torrents: make(map[core.InfoHash]*metainfo.TorrentInfo),
		files:    make(map[core.InfoHash]map[core.PeerID]map[int]struct{}),
		pieces:   make(map[pieceKey][]byte),
	}
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// UpsertPeer implements Store.
func (s *MemoryStore) UpsertPeer(peerID core.PeerID, ip string, port int) error {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	s.peers[peerID] = &PeerRecord{PeerID: peerID, IP: ip, Port: port}
	return nil
}

// GetPeer implements Store.
func (s *MemoryStore) GetPeer(peerID core.PeerID) (*PeerRecord, error) {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	p, ok := s.peers[peerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// AddTorrent implements Store.
func (s *MemoryStore) AddTorrent(h core.InfoHash, info *metainfo.TorrentInfo) error {
	s.torrentsMu.Lock()
	defer s.torrentsMu.Unlock()
	if _, ok := s.torrents[h]; ok {
		return nil
	}
	s.torrents[h] = info
	return nil
}

// GetTorrent implements Store.
func (s *MemoryStore) GetTorrent(h core.InfoHash) (*metainfo.TorrentInfo, error) {
	s.torrentsMu.RLock()
	defer s.torrentsMu.RUnlock()
	info, ok := s.torrents[h]
	if !ok {
		return nil, ErrNotFound
	}
	return info, nil
}

// SetFilePeers implements Store.
func (s *MemoryStore) SetFilePeers(h core.InfoHash, peerID core.PeerID, pieces []int) error {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()

	peerMap, ok := s.files[h]
	if !ok {
		peerMap = make(map[core.PeerID]map[int]struct{})
		s.files[h] = peerMap
	}
	indices := make(map[int]struct{}, len(pieces))
	for _, i := range pieces {
		indices[i] = struct{}{}
	}
	peerMap[peerID] = indices
	return nil
}

// GetFile implements Store.
func (s *MemoryStore) GetFile(h core.InfoHash) (*FileEntry, error) {
	s.filesMu.RLock()
	defer s.filesMu.RUnlock()

	peerMap, ok := s.files[h]
	if !ok {
		return nil, ErrNotFound
	}
	entry := &FileEntry{InfoHash: h}
	for peerID, indices := range peerMap {
		cp := make(map[int]struct{}, len(indices))
		for i := range indices {
			cp[i] = struct{}{}
		}
		entry.Peers = append(entry.Peers, PeerPieces{PeerID: peerID, PieceIndices: cp})
	}
	return entry, nil
}

// PutPiece implements Store.
func (s *MemoryStore) PutPiece(peerID core.PeerID, h core.InfoHash, index int, data []byte) error {
	s.piecesMu.Lock()
	defer s.piecesMu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.pieces[pieceKey{peerID, h, index}] = cp
	return nil
}

// GetPiece implements Store.
func (s *MemoryStore) GetPiece(peerID core.PeerID, h core.InfoHash, index int) ([]byte, error) {
	s.piecesMu.RLock()
	defer s.piecesMu.RUnlock()
	data, ok := s.pieces[pieceKey{peerID, h, index}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
