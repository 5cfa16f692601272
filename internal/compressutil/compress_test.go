package compressutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldCompressTextLikeAboveThreshold(t *testing.T) {
	require.True(t, ShouldCompress("notes.txt", 2<<20))
	require.False(t, ShouldCompress("notes.txt", 100), "small files are never compressed")
	require.False(t, ShouldCompress("movie.mp4", 10<<20), "media types are never compressed")
	require.False(t, ShouldCompress("archive.zip", 10<<20))
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 10000)
	compressed, err := Compress(data)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(data))

	got, err := Decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
