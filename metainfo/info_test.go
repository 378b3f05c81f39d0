package metainfo

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndValidate(t *testing.T) {
	require := require.New(t)

	content, info := TorrentInfoFixture(100, 32)
	require.Equal(int64(len(content)), info.TotalLength)
	require.Equal(4, info.NumPieces()) // 32, 32, 32, 4
	require.NoError(info.Validate())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require := require.New(t)

	_, info := TorrentInfoFixture(100, 32)

	encoded, err := Encode(info)
	require.NoError(err)

	decoded, err := Decode(encoded)
	require.NoError(err)

	require.Equal(info.Name, decoded.Name)
	require.Equal(info.PieceLength, decoded.PieceLength)
	require.Equal(info.TotalLength, decoded.TotalLength)
	require.True(bytes.Equal(info.Pieces, decoded.Pieces))
}

func TestInfoHashIsDeterministic(t *testing.T) {
	require := require.New(t)

	_, info := TorrentInfoFixture(100, 32)

	h1, err := info.InfoHash()
	require.NoError(err)
	h2, err := info.InfoHash()
	require.NoError(err)

	require.Equal(h1, h2)
	require.Len(h1.Hex(), 40)
}

func TestInfoHashChangesWithContent(t *testing.T) {
	require := require.New(t)

	_, info1 := TorrentInfoFixture(100, 32)
	_, info2 := TorrentInfoFixture(100, 32)

	h1, err := info1.InfoHash()
	require.NoError(err)
	h2, err := info2.InfoHash()
	require.NoError(err)

	require.NotEqual(h1, h2)
}

func TestPieceHash(t *testing.T) {
	require := require.New(t)

	_, info := TorrentInfoFixture(100, 32)

	h, err := info.PieceHash(0)
	require.NoError(err)
	require.Len(h, 20)

	_, err = info.PieceHash(info.NumPieces())
	require.Error(err)
}

func TestValidateRejectsBadPieceLength(t *testing.T) {
	require := require.New(t)

	info := &TorrentInfo{
		Name:        "bad",
		PieceLength: 32,
		TotalLength: 100,
		Pieces:      make(PieceHashes, 20), // only 1 piece, expected 4
	}
	require.ErrorIs(info.Validate(), ErrHashMismatch)
}

func TestValidateRejectsMissingName(t *testing.T) {
	require := require.New(t)

	info := &TorrentInfo{
		PieceLength: 32,
		TotalLength: 0,
	}
	require.ErrorIs(info.Validate(), ErrMalformedMetadata)
}
