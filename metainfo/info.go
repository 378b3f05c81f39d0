package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"

	"github.com/shardhash/torrentd/core"
)

const pieceHashSize = sha1.Size

// PieceHashes is the concatenation of each piece's 20-byte SHA-1 digest, in
// piece order. It round-trips through JSON as a base64 string (the standard
// encoding for a []byte), which doubles as the transport form referenced in
// the metadata codec.
type PieceHashes []byte

// TorrentInfo is the immutable descriptor of a single-file torrent: its name,
// how it was chunked, and the expected hash of every chunk. The InfoHash is
// the content identifier derived from a canonical encoding of this struct.
type TorrentInfo struct {
	Name        string      `bencode:"name" json:"name"`
	PieceLength int64       `bencode:"piece length" json:"piece_length"`
	TotalLength int64       `bencode:"length" json:"total_length"`
	Pieces      PieceHashes `bencode:"pieces" json:"piece_hashes"`
}

// New builds a TorrentInfo by reading blob in PieceLength-sized chunks and
// hashing each one with SHA-1.
func New(name string, blob io.Reader, pieceLength int64) (*TorrentInfo, error) {
	length, pieces, err := generatePieces(blob, pieceLength)
	if err != nil {
		return nil, fmt.Errorf("generate pieces: %s", err)
	}
	info := &TorrentInfo{
		Name:        name,
		PieceLength: pieceLength,
		TotalLength: length,
		Pieces:      pieces,
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// NewFromFile builds a TorrentInfo from a file on disk.
func NewFromFile(name, path string, pieceLength int64) (*TorrentInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %s", err)
	}
	defer f.Close()
	return New(name, f, pieceLength)
}

// NumPieces returns the number of pieces described by info.
func (info *TorrentInfo) NumPieces() int {
	return len(info.Pieces) / pieceHashSize
}

// PieceHash returns the expected SHA-1 digest of piece i.
func (info *TorrentInfo) PieceHash(i int) ([]byte, error) {
	if i < 0 || i >= info.NumPieces() {
		return nil, ErrPieceNotFound
	}
	start := i * pieceHashSize
	end := start + pieceHashSize
	h := make([]byte, pieceHashSize)
	copy(h, info.Pieces[start:end])
	return h, nil
}

// PieceLengthAt returns the length of piece i, accounting for a shorter
// final piece.
func (info *TorrentInfo) PieceLengthAt(i int) int64 {
	if i < 0 || i >= info.NumPieces() {
		return 0
	}
	if i == info.NumPieces()-1 {
		return info.TotalLength - info.PieceLength*int64(i)
	}
	return info.PieceLength
}

// Validate checks that the piece hashes are internally consistent with the
// declared lengths.
func (info *TorrentInfo) Validate() error {
	if info.Name == "" {
		return fmt.Errorf("%w: missing name", ErrMalformedMetadata)
	}
	if len(info.Pieces)%pieceHashSize != 0 {
		return fmt.Errorf("%w: pieces field is not a multiple of %d bytes", ErrHashMismatch, pieceHashSize)
	}
	if info.PieceLength <= 0 {
		if info.TotalLength != 0 {
			return fmt.Errorf("%w: zero piece length with nonzero total length", ErrMalformedMetadata)
		}
		return nil
	}
	expected := int((info.TotalLength + info.PieceLength - 1) / info.PieceLength)
	if expected != info.NumPieces() {
		return fmt.Errorf("%w: expected %d pieces for length %d, got %d",
			ErrHashMismatch, expected, info.TotalLength, info.NumPieces())
	}
	return nil
}

// InfoHash computes the content identifier for info: the SHA-1 of its
// canonical bencoded form.
func (info *TorrentInfo) InfoHash() (core.InfoHash, error) {
	var b bytes.Buffer
	if err := bencode.Marshal(&b, *info); err != nil {
		return core.InfoHash{}, fmt.Errorf("bencode: %s", err)
	}
	return core.NewInfoHashFromBytes(b.Bytes()), nil
}

// Encode bencodes info into its canonical wire representation.
func Encode(info *TorrentInfo) ([]byte, error) {
	var b bytes.Buffer
	if err := bencode.Marshal(&b, *info); err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	return b.Bytes(), nil
}

// Decode parses a bencoded TorrentInfo.
func Decode(data []byte) (*TorrentInfo, error) {
	var info TorrentInfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &info); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMetadata, err)
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &info, nil
}

// generatePieces hashes blob content in pieceLength chunks, producing the
// concatenated SHA-1 digest sequence and the total blob length.
func generatePieces(blob io.Reader, pieceLength int64) (length int64, pieces PieceHashes, err error) {
	if pieceLength <= 0 {
		return 0, nil, fmt.Errorf("%w: piece length must be positive", ErrMalformedMetadata)
	}
	for {
		h := sha1.New()
		n, err := io.CopyN(h, blob, pieceLength)
		if err != nil && err != io.EOF {
			return 0, nil, fmt.Errorf("read blob: %s", err)
		}
		length += n
		if n == 0 {
			break
		}
		pieces = h.Sum(pieces)
		if n < pieceLength {
			break
		}
	}
	return length, pieces, nil
}
