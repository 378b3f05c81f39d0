package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
)

// SplitFile reads the file at path in order, returning its content split
// into pieceLength-sized chunks. The final chunk is shorter iff the file
// length is not a multiple of pieceLength.
func SplitFile(path string, pieceLength int64) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %s", err)
	}
	defer f.Close()

	var pieces [][]byte
	buf := make([]byte, pieceLength)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			piece := make([]byte, n)
			copy(piece, buf[:n])
			pieces = append(pieces, piece)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read file: %s", err)
		}
		if n < int(pieceLength) {
			break
		}
	}
	return pieces, nil
}

// VerifyPiece reports whether content hashes to expected (a 20-byte SHA-1
// digest).
func VerifyPiece(content, expected []byte) bool {
	sum := sha1.Sum(content)
	return bytes.Equal(sum[:], expected)
}

// CombinePieces writes pieces in order to outPath, first staging the write
// under outPath+".tmp" and then renaming it into place so a reader never
// observes a partially assembled file. Fails if any piece is empty.
func CombinePieces(pieces [][]byte, outPath string) error {
	tmpPath := outPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %s", err)
	}
	defer os.Remove(tmpPath)

	for i, p := range pieces {
		if len(p) == 0 {
			f.Close()
			return fmt.Errorf("piece %d is empty", i)
		}
		if _, err := f.Write(p); err != nil {
			f.Close()
			return fmt.Errorf("write piece %d: %s", i, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %s", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %s", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("rename temp file: %s", err)
	}
	return nil
}
