package postgres

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// The state column is TEXT: base64 of the zstd-compressed snapshot.

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("postgres: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
	if err != nil {
		panic("postgres: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeState(state []byte) string {
	return base64.StdEncoding.EncodeToString(zstdEncoder.EncodeAll(state, nil))
}

func decodeState(column string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(column)
	if err != nil {
		return nil, fmt.Errorf("decode state column: %w", err)
	}
	state, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return state, nil
}
