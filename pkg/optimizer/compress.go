package optimizer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/klauspost/compress/gzip"
)

// EncodingGzip marks a payload holding base64 text of gzip data.
const EncodingGzip = "gzip"

// keepRatio is the largest compressed/original size ratio worth sending.
const keepRatio = 0.8

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maybeCompress returns a compressed copy of msg when its payload is above
// threshold and shrinks below keepRatio, and msg itself otherwise. saved is
// the number of payload bytes avoided.
func maybeCompress(msg *OutboundMessage, threshold int) (out *OutboundMessage, saved int, err error) {
	if threshold <= 0 || msg.Compressed || len(msg.Payload) <= threshold {
		return msg, 0, nil
	}
	packed, err := gzipBytes(msg.Payload)
	if err != nil {
		return msg, 0, err
	}
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(packed))
	if err != nil {
		return msg, 0, err
	}
	// the ratio is measured on what goes on the wire, base64 and quotes included
	if float64(len(encoded)) >= keepRatio*float64(len(msg.Payload)) {
		return msg, 0, nil
	}
	cp := *msg
	cp.Payload = encoded
	cp.Compressed = true
	cp.Encoding = EncodingGzip
	return &cp, len(msg.Payload) - len(encoded), nil
}

// Decompress reverses maybeCompress. Uncompressed messages are returned as-is.
func Decompress(msg *OutboundMessage) (json.RawMessage, error) {
	if !msg.Compressed {
		return msg.Payload, nil
	}
	var text string
	if err := json.Unmarshal(msg.Payload, &text); err != nil {
		return nil, err
	}
	return DecodePayload(text)
}

// DecodePayload turns the base64 text of a compressed frame back into JSON.
func DecodePayload(text string) (json.RawMessage, error) {
	packed, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
