package wire

import (
	"encoding/binary"
)

// tlvField is one decoded tag-length-value field from a frame body.
type tlvField struct {
	Tag   uint8
	Value []byte
}

// appendTLV appends one tag-length-value field to buf.
func appendTLV(buf []byte, tag uint8, value []byte) []byte {
	buf = append(buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, value...)
	return buf
}

func appendString(buf []byte, tag uint8, s string) []byte {
	return appendTLV(buf, tag, []byte(s))
}

func appendByte(buf []byte, tag uint8, b uint8) []byte {
	return appendTLV(buf, tag, []byte{b})
}

func appendUint32(buf []byte, tag uint8, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return appendTLV(buf, tag, b[:])
}

// decodeTLV parses a flat sequence of tag-length-value fields from data.
// It returns ErrTruncated if a declared length runs past the end of data.
func decodeTLV(data []byte) ([]tlvField, error) {
	var fields []tlvField
	for i := 0; i < len(data); {
		if i+5 > len(data) {
			return nil, decodeErr(ErrTruncated, "field header")
		}
		tag := data[i]
		length := binary.BigEndian.Uint32(data[i+1 : i+5])
		start := i + 5
		end := start + int(length)
		if end < start || end > len(data) {
			return nil, decodeErr(ErrTruncated, "field value")
		}
		fields = append(fields, tlvField{Tag: tag, Value: data[start:end]})
		i = end
	}
	return fields, nil
}

func fieldByte(v []byte) (uint8, error) {
	if len(v) != 1 {
		return 0, decodeErr(ErrMalformedField, "expected 1-byte field")
	}
	return v[0], nil
}

func fieldUint32(v []byte) (uint32, error) {
	if len(v) != 4 {
		return 0, decodeErr(ErrMalformedField, "expected 4-byte field")
	}
	return binary.BigEndian.Uint32(v), nil
}
