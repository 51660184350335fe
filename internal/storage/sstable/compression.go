package sstable

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how data blocks are compressed on disk.
type Compression byte

const (
	NoCompression Compression = iota
	SnappyCompression
	ZstdCompression
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zstd":
		return ZstdCompression, nil
	default:
		return NoCompression, fmt.Errorf("unknown compression %q", name)
	}
}

// Encoders and decoders are safe for concurrent EncodeAll/DecodeAll use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(c Compression, dst, src []byte) []byte {
	switch c {
	case SnappyCompression:
		return snappy.Encode(dst[:cap(dst)], src)
	case ZstdCompression:
		return zstdEncoder.EncodeAll(src, dst[:0])
	default:
		return append(dst[:0], src...)
	}
}

func decompress(c Compression, src []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return src, nil
	case SnappyCompression:
		n, err := snappy.DecodedLen(src)
		if err != nil {
			return nil, err
		}
		return snappy.Decode(make([]byte, n), src)
	case ZstdCompression:
		return zstdDecoder.DecodeAll(src, nil)
	default:
		return nil, fmt.Errorf("unknown compression type %d", byte(c))
	}
}
