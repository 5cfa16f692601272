package cas

import (
	"bytes"
	"crypto/sha256"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func collectChunks(t *testing.T, data []byte) []Chunk {
	t.Helper()
	var chunks []Chunk
	err := Split(bytes.NewReader(data), func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	return chunks
}

func TestSplitReassemblesExactly(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	data := make([]byte, 20<<20) // 20 MiB, well above MinChunkSize
	_, _ = rnd.Read(data)

	chunks := collectChunks(t, data)
	require.NotEmpty(t, chunks)

	var reassembled []byte
	for _, c := range chunks {
		reassembled = append(reassembled, c.Data...)
	}
	require.Equal(t, data, reassembled)
}

func TestSplitRespectsMaxChunkSize(t *testing.T) {
	// Highly compressible data that would never naturally trigger a
	// boundary must still split at MaxChunkSize.
	data := bytes.Repeat([]byte{0x00}, 20<<20)
	chunks := collectChunks(t, data)
	for i, c := range chunks {
		require.LessOrEqual(t, len(c.Data), MaxChunkSize)
		if i < len(chunks)-1 {
			require.GreaterOrEqual(t, len(c.Data), MinChunkSize)
		}
	}
}

func TestSplitResyncsAfterInsertion(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	a := make([]byte, 20<<20)
	_, _ = rnd.Read(a)

	insertion := bytes.Repeat([]byte{0xAB}, 1<<10) // 1 KiB insertion
	insertAt := 5 << 20
	b := append(append(append([]byte{}, a[:insertAt]...), insertion...), a[insertAt:]...)

	chunksA := collectChunks(t, a)
	chunksB := collectChunks(t, b)

	hashesA := make(map[string]bool)
	for _, c := range chunksA {
		sum := sha256.Sum256(c.Data)
		hashesA[string(sum[:])] = true
	}
	shared := 0
	for _, c := range chunksB {
		sum := sha256.Sum256(c.Data)
		if hashesA[string(sum[:])] {
			shared++
		}
	}
	// Boundaries should resync well before the end of the stream, so most
	// chunks of b are byte-identical to chunks of a.
	require.GreaterOrEqual(t, shared, len(chunksA)*2/3)
}
