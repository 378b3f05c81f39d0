// Package store defines the persistence abstraction that the tracker and
// peer components depend on: peer identity, torrent metadata, the per-torrent
// claimed-piece index, and raw piece bytes. Any backend (in-memory, Redis,
// SQL) satisfies the core as long as per-key updates are linearizable.
package store

import (
	"errors"
	"fmt"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/metainfo"
)

// ErrNotFound is returned when a peer, torrent, or piece lookup misses.
var ErrNotFound = errors.New("store: not found")

// PeerRecord is the directory's record of a known peer's last-announced
// address.
type PeerRecord struct {
	PeerID core.PeerID
	IP     string
	Port   int
}

// FileEntry is the inverted index for a torrent: which peers claim which
// piece indices.
type FileEntry struct {
	InfoHash core.InfoHash
	Peers    []PeerPieces
}

// PeerPieces is one peer's claimed piece set for a torrent.
type PeerPieces struct {
	PeerID       core.PeerID
	PieceIndices map[int]struct{}
}

// Store is the persistence contract required by the tracker and peer
// components. Implementations must serialize concurrent updates to the same
// key (peer, torrent, or piece).
type Store interface {
	// UpsertPeer creates or updates a peer's announced address.
	UpsertPeer(peerID core.PeerID, ip string, port int) error

	// GetPeer returns the record for peerID, or ErrNotFound.
	GetPeer(peerID core.PeerID) (*PeerRecord, error)

	// AddTorrent registers info under h. Torrents are immutable once added;
	// re-adding the same info_hash is a no-op.
	AddTorrent(h core.InfoHash, info *metainfo.TorrentInfo) error

	// GetTorrent returns the TorrentInfo for h, or ErrNotFound.
	GetTorrent(h core.InfoHash) (*metainfo.TorrentInfo, error)

	// SetFilePeers replaces peerID's claimed piece set for h.
	SetFilePeers(h core.InfoHash, peerID core.PeerID, pieces []int) error

	// GetFile returns the inverted piece index for h, or ErrNotFound.
	GetFile(h core.InfoHash) (*FileEntry, error)

	// PutPiece stores the raw bytes peerID holds for piece index of torrent h.
	PutPiece(peerID core.PeerID, h core.InfoHash, index int, data []byte) error

	// GetPiece returns the raw bytes peerID holds for piece index of torrent
	// h, or ErrNotFound.
	GetPiece(peerID core.PeerID, h core.InfoHash, index int) ([]byte, error)

	// Close releases any resources held by the store.
	Close() error
}

// Backend selects which Store implementation New constructs.
type Backend string

// Supported backends.
const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendSQL    Backend = "sql"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend Backend      `yaml:"backend"`
	Memory  MemoryConfig `yaml:"memory"`
	Redis   RedisConfig  `yaml:"redis"`
	SQL     SQLConfig    `yaml:"sql"`
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
}

// New constructs a Store per config.Backend.
func New(config Config) (Store, error) {
	config.applyDefaults()
	switch config.Backend {
	case BackendMemory:
		return NewMemoryStore(config.Memory), nil
	case BackendRedis:
		return NewRedisStore(config.Redis)
	case BackendSQL:
		return NewSQLStore(config.SQL)
	default:
		return nil, fmt.Errorf("unknown store backend: %q", config.Backend)
	}
}
