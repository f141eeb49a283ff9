package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/nexuscluster/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements the Compressor interface using Snappy block
// encoding.
type SnappyCompressor struct{}

// snappyReadCloser wraps a bytes.Reader so decompressed data can be returned
// as an io.ReadCloser. In-memory data has nothing to release, so Close is a
// no-op.
type snappyReadCloser struct {
	*bytes.Reader
}

func (src *snappyReadCloser) Close() error {
	return nil
}

var _ core.Compressor = (*SnappyCompressor)(nil)
var _ io.ReadCloser = (*snappyReadCloser)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return &snappyReadCloser{Reader: bytes.NewReader(decompressed)}, nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}

// CompressTo compresses src into dst using the snappy block format. The
// block format must match what Decompress expects; the streaming writer
// produces an incompatible framing.
func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	dst.Write(snappy.Encode(nil, src))
	return nil
}
