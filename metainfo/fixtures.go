package metainfo

import (
	"bytes"
	"fmt"
	"math/rand"
)

// ContentFixture returns randomly generated content of the given size.
func ContentFixture(size int) []byte {
	b := make([]byte, size)
	rand.Read(b)
	return b
}

// TorrentInfoFixture returns a TorrentInfo, and the content it describes,
// built from randomly generated content.
func TorrentInfoFixture(size int, pieceLength int64) ([]byte, *TorrentInfo) {
	content := ContentFixture(size)
	info, err := New(fmt.Sprintf("fixture-%d", rand.Int63()), bytes.NewReader(content), pieceLength)
	if err != nil {
		panic(err)
	}
	return content, info
}
