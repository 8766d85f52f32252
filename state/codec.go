package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	stickercache "github.com/wolfeidau/sticker-cache"
)

const (
	// CompressionThreshold is the smallest record that is compressed.
	CompressionThreshold = 2048

	// MaxRecordSize bounds encoded and decoded records.
	MaxRecordSize = 4 << 20
)

// Record encodings, stored in the first byte of a value.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

const headerSize = 1 + stickercache.HashSize

var (
	// ErrRecordTooLarge is returned for records above MaxRecordSize.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")

	// ErrCorrupted is returned when a record fails digest verification.
	ErrCorrupted = errors.New("record digest mismatch")

	// ErrCodecClosed is returned when a compressed record is decoded after Close.
	ErrCodecClosed = errors.New("codec closed")
)

// Codec frames stored values as [encoding][blake3 digest][payload],
// compressing payloads above CompressionThreshold with zstd.
// It is safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with reusable zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRecordSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames data, compressing it when that makes it smaller.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}
	digest := stickercache.HashBytes(data)

	encoding := encodingIdentity
	payload := data
	if len(data) >= CompressionThreshold {
		if compressed := c.compress(data); compressed != nil && len(compressed) < len(data) {
			encoding = encodingZstd
			payload = compressed
		}
	}

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, encoding)
	out = append(out, digest[:]...)
	return append(out, payload...), nil
}

// Decode reverses Encode and verifies the digest.
func (c *Codec) Decode(value []byte) ([]byte, error) {
	if len(value) < headerSize {
		return nil, fmt.Errorf("%w: short record", ErrCorrupted)
	}
	var digest stickercache.Hash
	copy(digest[:], value[1:headerSize])
	payload := value[headerSize:]

	var data []byte
	switch value[0] {
	case encodingIdentity:
		data = payload
	case encodingZstd:
		var err error
		data, err = c.decompress(payload)
		if err != nil {
			return nil, err
		}
		if len(data) > MaxRecordSize {
			return nil, ErrRecordTooLarge
		}
	default:
		return nil, fmt.Errorf("unsupported record encoding %d", value[0])
	}

	if stickercache.HashBytes(data) != digest {
		return nil, ErrCorrupted
	}
	return data, nil
}

// compress returns nil once the codec is closed.
func (c *Codec) compress(data []byte) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.encoder == nil {
		return nil
	}
	return c.encoder.EncodeAll(data, nil)
}

// decompress holds the read lock for the whole call so Close cannot release
// the decoder underneath it.
func (c *Codec) decompress(payload []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.decoder == nil {
		return nil, ErrCodecClosed
	}
	data, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing record: %w", err)
	}
	return data, nil
}

// Compressed reports whether an encoded value uses zstd.
func Compressed(value []byte) bool {
	return len(value) > 0 && value[0] == encodingZstd
}
