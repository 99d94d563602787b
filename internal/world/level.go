package world

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/siohaza/oxine/internal/protocol"
)

// compressLevel produces the level stream clients expect: a gzip of the
// block count as a big-endian int32 followed by the blocks.
func compressLevel(blocks []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(blocks)))
	if _, err := zw.Write(prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to compress level: %w", err)
	}
	if _, err := zw.Write(blocks); err != nil {
		return nil, fmt.Errorf("failed to compress level: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress level: %w", err)
	}

	return buf.Bytes(), nil
}

// chunkLevel splits compressed level data into transfer packets. The last
// packet always reports 100 percent.
func chunkLevel(data []byte) []protocol.LevelDataChunk {
	n := (len(data) + protocol.ChunkLength - 1) / protocol.ChunkLength
	chunks := make([]protocol.LevelDataChunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * protocol.ChunkLength
		end := min(start+protocol.ChunkLength, len(data))

		var c protocol.LevelDataChunk
		c.Length = uint16(copy(c.Data[:], data[start:end]))
		c.Percent = uint8((i + 1) * 100 / n)
		chunks = append(chunks, c)
	}
	return chunks
}

// DecompressLevel reverses the level stream, used by clients and tests.
func DecompressLevel(chunks []protocol.LevelDataChunk) ([]byte, error) {
	var compressed bytes.Buffer
	for _, c := range chunks {
		compressed.Write(c.Data[:c.Length])
	}

	zr, err := gzip.NewReader(&compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to open level stream: %w", err)
	}
	defer zr.Close()

	var prefix [4]byte
	if _, err := io.ReadFull(zr, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read level size: %w", err)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("failed to decompress level: %w", err)
	}
	if got, want := out.Len(), int(binary.BigEndian.Uint32(prefix[:])); got != want {
		return nil, fmt.Errorf("level size mismatch: got %d blocks, header says %d", got, want)
	}

	return out.Bytes(), nil
}
