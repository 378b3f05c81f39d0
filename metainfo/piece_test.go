package metainfo

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitFileAndCombinePieces(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src")
	content := ContentFixture(100)
	require.NoError(os.WriteFile(srcPath, content, 0644))

	pieces, err := SplitFile(srcPath, 32)
	require.NoError(err)
	require.Len(pieces, 4)
	require.Len(pieces[0], 32)
	require.Len(pieces[3], 4)

	outPath := filepath.Join(dir, "out")
	require.NoError(CombinePieces(pieces, outPath))

	combined, err := os.ReadFile(outPath)
	require.NoError(err)
	require.Equal(content, combined)

	// No leftover temp file.
	_, err = os.Stat(outPath + ".tmp")
	require.True(os.IsNotExist(err))
}

func TestCombinePiecesRejectsEmptyPiece(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out")

	err := CombinePieces([][]byte{[]byte("abc"), {}}, outPath)
	require.Error(err)

	_, statErr := os.Stat(outPath)
	require.True(os.IsNotExist(statErr))
}

func TestVerifyPiece(t *testing.T) {
	require := require.New(t)

	content := ContentFixture(32)
	sum := sha1.Sum(content)

	require.True(VerifyPiece(content, sum[:]))
	require.False(VerifyPiece(content, make([]byte, 20)))
}
