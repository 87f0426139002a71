package checkpoint

import (
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding: the same state always encodes
// to the same bytes, so blob versions are stable content addresses.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("checkpoint: cbor encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("checkpoint: cbor decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	return b, eris.Wrap(err, "checkpoint: cbor marshal")
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return eris.Wrap(decMode.Unmarshal(data, v), "checkpoint: cbor unmarshal")
}

// Version returns the content address of raw blob bytes.
func Version(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

func compress(raw []byte) []byte {
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func decompress(data []byte) ([]byte, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	return raw, eris.Wrap(err, "checkpoint: zstd decompress")
}
