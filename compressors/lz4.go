package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/nexuscluster/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using LZ4 block
// compression. The lz4 block format does not record the original size, so
// Compress prefixes the block with the uncompressed length as a BigEndian
// uint32, letting Decompress allocate exactly once.
type LZ4Compressor struct{}

type lz4ReadCloser struct {
	*bytes.Reader
}

func (lrc *lz4ReadCloser) Close() error {
	return nil
}

var _ core.Compressor = (*LZ4Compressor)(nil)
var _ io.ReadCloser = (*lz4ReadCloser)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(dst[:4], uint32(len(data)))
	n, err := lz4.CompressBlock(data, dst[4:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		return nil, fmt.Errorf("lz4 compression produced zero bytes for non-empty input")
	}
	return dst[:4+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	if len(data) == 0 {
		return &lz4ReadCloser{Reader: bytes.NewReader(nil)}, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 payload too short: %d bytes", len(data))
	}
	originalSize := binary.BigEndian.Uint32(data[:4])
	if originalSize == 0 {
		return &lz4ReadCloser{Reader: bytes.NewReader(nil)}, nil
	}
	dst := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(data[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	return &lz4ReadCloser{Reader: bytes.NewReader(dst[:n])}, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

// CompressTo compresses src into dst, reusing dst's backing storage.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	compressed, err := c.Compress(src)
	if err != nil {
		return err
	}
	dst.Reset()
	dst.Write(compressed)
	return nil
}
