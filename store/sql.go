package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose"

	"github.com/shardhash/torrentd/core"
	"github.com/shardhash/torrentd/metainfo"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLConfig configures SQLStore. Only sqlite3 is wired today; the Driver
// field exists so a Postgres or MySQL driver can be dropped in later without
// changing the Store contract.
type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func (c *SQLConfig) applyDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	if c.DSN == "" {
		c.DSN = "file::memory:?cache=shared"
	}
}

// SQLStore is a Store backed by a SQL database, reachable via database/sql
// through sqlx. Schema is managed with goose migrations embedded in the
// binary.
type SQLStore struct {
	config SQLConfig
	db     *sqlx.DB
}

// NewSQLStore opens the configured database and runs any pending migrations.
func NewSQLStore(config SQLConfig) (*SQLStore, error) {
	config.applyDefaults()

	db, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %s", config.Driver, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s: %s", config.Driver, err)
	}
	if err := runMigrations(db.DB, config.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %s", err)
	}
	return &SQLStore{config: config, db: db}, nil
}

// runMigrations stages the embedded migration SQL to a temp directory and
// runs goose against it, since goose reads migrations off the filesystem.
func runMigrations(db *sql.DB, driver string) error {
	dir, err := os.MkdirTemp("", "torrentd-migrations-")
	if err != nil {
		return fmt.Errorf("create migrations dir: %s", err)
	}
	defer os.RemoveAll(dir)

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %s", err)
	}
	for _, e := range entries {
		data, err := migrations.ReadFile(filepath.Join("migrations", e.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %s", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dir, e.Name()), data, 0644); err != nil {
			return fmt.Errorf("stage migration %s: %s", e.Name(), err)
		}
	}

	dialect := driver
	if dialect == "sqlite3" {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %s", err)
	}
	return goose.Up(db, dir)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// UpsertPeer implements Store.
func (s *SQLStore) UpsertPeer(peerID core.PeerID, ip string, port int) error {
	_, err := s.db.Exec(
		`INSERT INTO peers (peer_id, ip, port) VALUES (?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET ip=excluded.ip, port=excluded.port`,
		peerID.String(), ip, port)
	if err != nil {
		return fmt.Errorf("upsert peer: %s", err)
	}
	return nil
}

// GetPeer implements Store.
func (s *SQLStore) GetPeer(peerID core.PeerID) (*PeerRecord, error) {
	var row struct {
		PeerID string `db:"peer_id"`
		IP     string `db:"ip"`
		Port   int    `db:"port"`
	}
	err := s.db.Get(&row, `SELECT peer_id, ip, port FROM peers WHERE peer_id = ?`, peerID.String())
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("select peer: %s", err)
	}
	id, err := core.NewPeerID(row.PeerID)
	if err != nil {
		return nil, fmt.Errorf("parse peer id: %s", err)
	}
	return &PeerRecord{PeerID: id, IP: row.IP, Port: row.Port}, nil
}

// AddTorrent implements Store.
func (s *SQLStore) AddTorrent(h core.InfoHash, info *metainfo.TorrentInfo) error {
	encoded, err := metainfo.Encode(info)
	if err != nil {
		return fmt.Errorf("encode torrent info: %s", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO torrents (info_hash, info_json) VALUES (?, ?)
		 ON CONFLICT(info_hash) DO NOTHING`,
		h.String(), encoded)
	if err != nil {
		return fmt.Errorf("insert torrent: %s", err)
	}
	return nil
}

// GetTorrent implements Store.
func (s *SQLStore) GetTorrent(h core.InfoHash) (*metainfo.TorrentInfo, error) {
	var encoded []byte
	err := s.db.Get(&encoded, `SELECT info_json FROM torrents WHERE info_hash = ?`, h.String())
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("select torrent: %s", err)
	}
	info, err := metainfo.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode torrent info: %s", err)
	}
	return info, nil
}

// SetFilePeers implements Store.
func (s *SQLStore) SetFilePeers(h core.InfoHash, peerID core.PeerID, pieces []int) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %s", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM file_peers WHERE info_hash = ? AND peer_id = ?`,
		h.String(), peerID.String()); err != nil {
		return fmt.Errorf("delete existing claims: %s", err)
	}
	for _, i := range pieces {
		if _, err := tx.Exec(
			`INSERT INTO file_peers (info_hash, peer_id, piece_index) VALUES (?, ?, ?)`,
			h.String(), peerID.String(), i); err != nil {
			return fmt.Errorf("insert claim: %s", err)
		}
	}
	return tx.Commit()
}

// GetFile implements Store.
func (s *SQLStore) GetFile(h core.InfoHash) (*FileEntry, error) {
	var rows []struct {
		PeerID string `db:"peer_id"`
		Index  int    `db:"piece_index"`
	}
	err := s.db.Select(&rows,
		`SELECT peer_id, piece_index FROM file_peers WHERE info_hash = ?`, h.String())
	if err != nil {
		return nil, fmt.Errorf("select claims: %s", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	byPeer := make(map[core.PeerID]map[int]struct{})
	for _, r := range rows {
		id, err := core.NewPeerID(r.PeerID)
		if err != nil {
			continue
		}
		if _, ok := byPeer[id]; !ok {
			byPeer[id] = make(map[int]struct{})
		}
		byPeer[id][r.Index] = struct{}{}
	}
	entry := &FileEntry{InfoHash: h}
	for id, indices := range byPeer {
		entry.Peers = append(entry.Peers, PeerPieces{PeerID: id, PieceIndices: indices})
	}
	return entry, nil
}

// PutPiece implements Store.
func (s *SQLStore) PutPiece(peerID core.PeerID, h core.InfoHash, index int, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO pieces (peer_id, info_hash, piece_index, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(peer_id, info_hash, piece_index) DO UPDATE SET data=excluded.data`,
		peerID.String(), h.String(), index, data)
	if err != nil {
		return fmt.Errorf("insert piece: %s", err)
	}
	return nil
}

// GetPiece implements Store.
func (s *SQLStore) GetPiece(peerID core.PeerID, h core.InfoHash, index int) ([]byte, error) {
	var data []byte
	err := s.db.Get(&data,
		`SELECT data FROM pieces WHERE peer_id = ? AND info_hash = ? AND piece_index = ?`,
		peerID.String(), h.String(), index)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("select piece: %s", err)
	}
	return data, nil
}
