// Package compressors provides the core.Compressor implementations used to
// compress batch payloads on the cluster wire protocol.
package compressors

import (
	"fmt"

	"github.com/INLOpen/nexuscluster/core"
)

// ForType returns the Compressor implementing the given algorithm.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type 0x%02x", byte(ct))
	}
}
