package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/metainfo"
)

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxActiveConns  int           `yaml:"max_active_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

func (c *RedisConfig) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxActiveConns == 0 {
		c.MaxActiveConns = 500
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = 60 * time.Second
	}
}

// RedisStore is a Store backed by Redis. Peer records and torrent metadata
// are stored as JSON-encoded strings; per-peer piece claims are stored as
// Redis sets; piece bytes are stored as raw strings.
type RedisStore struct {
	config RedisConfig
	pool   *redis.Pool
}

// NewRedisStore creates a new RedisStore and verifies connectivity.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	config.applyDefaults()
	if config.Addr == "" {
		return nil, fmt.Errorf("invalid config: missing addr")
	}

	s := &RedisStore{
		config: config,
		pool: &redis.Pool{
			Dial: func() (redis.Conn, error) {
				return redis.Dial(
					"tcp",
					config.Addr,
					redis.DialConnectTimeout(config.DialTimeout),
					redis.DialReadTimeout(config.ReadTimeout),
					redis.DialWriteTimeout(config.WriteTimeout))
			},
			MaxIdle:     config.MaxIdleConns,
			MaxActive:   config.MaxActiveConns,
			IdleTimeout: config.IdleConnTimeout,
			Wait:        true,
		},
	}

	c, err := s.pool.Dial()
	if err != nil {
		return nil, fmt.Errorf("dial redis: %s", err)
	}
	c.Close()

	return s, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.pool.Close()
}

func peerKey(peerID core.PeerID) string {
	return fmt.Sprintf("peer:%s", peerID.String())
}

func torrentKey(h core.InfoHash) string {
	return fmt.Sprintf("torrent:%s", h.String())
}

func fileKey(h core.InfoHash) string {
	return fmt.Sprintf("file:%s", h.String())
}

func pieceStoreKey(peerID core.PeerID, h core.InfoHash, index int) string {
	return fmt.Sprintf("piece:%s:%s:%d", peerID.String(), h.String(), index)
}

// UpsertPeer implements Store.
func (s *RedisStore) UpsertPeer(peerID core.PeerID, ip string, port int) error {
	c := s.pool.Get()
	defer c.Close()

	rec := PeerRecord{PeerID: peerID, IP: ip, Port: port}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %s", err)
	}
	if _, err := c.Do("SET", peerKey(peerID), data); err != nil {
		return fmt.Errorf("SET: %s", err)
	}
	return nil
}

// GetPeer implements Store.
func (s *RedisStore) GetPeer(peerID core.PeerID) (*PeerRecord, error) {
	c := s.pool.Get()
	defer c.Close()

	data, err := redis.Bytes(c.Do("GET", peerKey(peerID)))
	if err == redis.ErrNil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("GET: %s", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %s", err)
	}
	return &rec, nil
}

// AddTorrent implements Store.
func (s *RedisStore) AddTorrent(h core.InfoHash, info *metainfo.TorrentInfo) error {
	c := s.pool.Get()
	defer c.Close()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal torrent info: %s", err)
	}
	if _, err := c.Do("SETNX", torrentKey(h), data); err != nil {
		return fmt.Errorf("SETNX: %s", err)
	}
	return nil
}

// GetTorrent implements Store.
func (s *RedisStore) GetTorrent(h core.InfoHash) (*metainfo.TorrentInfo, error) {
	c := s.pool.Get()
	defer c.Close()

	data, err := redis.Bytes(c.Do("GET", torrentKey(h)))
	if err == redis.ErrNil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("GET: %s", err)
	}
	var info metainfo.TorrentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal torrent info: %s", err)
	}
	return &info, nil
}

// SetFilePeers implements Store.
func (s *RedisStore) SetFilePeers(h core.InfoHash, peerID core.PeerID, pieces []int) error {
	c := s.pool.Get()
	defer c.Close()

	setKey := fmt.Sprintf("%s:peer:%s", fileKey(h), peerID.String())
	if _, err := c.Do("DEL", setKey); err != nil {
		return fmt.Errorf("DEL: %s", err)
	}
	if len(pieces) > 0 {
		args := redis.Args{}.Add(setKey)
		for _, i := range pieces {
			args = args.Add(strconv.Itoa(i))
		}
		if _, err := c.Do("SADD", args...); err != nil {
			return fmt.Errorf("SADD: %s", err)
		}
	}
	if _, err := c.Do("SADD", fileKey(h), peerID.String()); err != nil {
		return fmt.Errorf("SADD peer index: %s", err)
	}
	return nil
}

// GetFile implements Store.
func (s *RedisStore) GetFile(h core.InfoHash) (*FileEntry, error) {
	c := s.pool.Get()
	defer c.Close()

	peerIDStrs, err := redis.Strings(c.Do("SMEMBERS", fileKey(h)))
	if err != nil {
		return nil, fmt.Errorf("SMEMBERS: %s", err)
	}
	if len(peerIDStrs) == 0 {
		return nil, ErrNotFound
	}

	entry := &FileEntry{InfoHash: h}
	for _, idStr := range peerIDStrs {
		peerID, err := core.NewPeerID(idStr)
		if err != nil {
			continue
		}
		setKey := fmt.Sprintf("%s:peer:%s", fileKey(h), idStr)
		members, err := redis.Strings(c.Do("SMEMBERS", setKey))
		if err != nil {
			return nil, fmt.Errorf("SMEMBERS pieces: %s", err)
		}
		indices := make(map[int]struct{}, len(members))
		for _, m := range members {
			i, err := strconv.Atoi(m)
			if err != nil {
				continue
			}
			indices[i] = struct{}{}
		}
		entry.Peers = append(entry.Peers, PeerPieces{PeerID: peerID, PieceIndices: indices})
	}
	return entry, nil
}

// PutPiece implements Store.
func (s *RedisStore) PutPiece(peerID core.PeerID, h core.InfoHash, index int, data []byte) error {
	c := s.pool.Get()
	defer c.Close()

	if _, err := c.Do("SET", pieceStoreKey(peerID, h, index), data); err != nil {
		return fmt.Errorf("SET: %s", err)
	}
	return nil
}

// GetPiece implements Store.
func (s *RedisStore) GetPiece(peerID core.PeerID, h core.InfoHash, index int) ([]byte, error) {
	c := s.pool.Get()
	defer c.Close()

	data, err := redis.Bytes(c.Do("GET", pieceStoreKey(peerID, h, index)))
	if err == redis.ErrNil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("GET: %s", err)
	}
	return data, nil
}
