package shapelog

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored values carry a one-byte frame tag so logs written under one
// compression setting stay readable under another.
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

// valueCodec compresses event payloads above a size threshold. Encode
// and decode go through shared zstd coders; EncodeAll/DecodeAll are
// safe for concurrent use.
type valueCodec struct {
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	minBytes int
}

// newValueCodec builds a codec for the configured level (0 disables
// compression on write; reads always handle both frames).
func newValueCodec(level, minBytes int) (*valueCodec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	c := &valueCodec{dec: dec, minBytes: minBytes}
	if level > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(configLevelToZstd(level)))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

func (c *valueCodec) Encode(val []byte) []byte {
	if c.enc == nil || len(val) < c.minBytes {
		out := make([]byte, 0, len(val)+1)
		out = append(out, frameRaw)
		return append(out, val...)
	}
	return c.enc.EncodeAll(val, []byte{frameZstd})
}

func (c *valueCodec) Decode(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, fmt.Errorf("empty log value")
	}
	switch val[0] {
	case frameRaw:
		return val[1:], nil
	case frameZstd:
		return c.dec.DecodeAll(val[1:], nil)
	default:
		return nil, fmt.Errorf("unknown log value frame: %d", val[0])
	}
}

func (c *valueCodec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	c.dec.Close()
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest // ~318 MB/s, ratio ~2.88x
	case 2:
		return zstd.SpeedDefault // ~134 MB/s, ratio ~3.0x
	case 3:
		return zstd.SpeedBetterCompression // ~67 MB/s, ratio ~3.2x
	case 4:
		return zstd.SpeedBestCompression // ~12 MB/s, ratio ~3.5x
	default:
		return zstd.SpeedFastest
	}
}
