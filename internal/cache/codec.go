package cache

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const encodingZstd = "zstd"

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// encodeBody 按需压缩正文，返回落盘字节与编码标记（空串表示原文）。
func encodeBody(body []byte, compress bool) ([]byte, string, error) {
	if !compress || len(body) == 0 {
		return body, "", nil
	}
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, "", fmt.Errorf("init zstd: %w", err)
	}
	return enc.EncodeAll(body, make([]byte, 0, len(body)/2)), encodingZstd, nil
}

func decodeBody(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return data, nil
	case encodingZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}
