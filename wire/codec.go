package wire

import (
	"encoding/binary"
	"io"
)

// Envelope-level TLV tags.
const (
	tagMessageID   uint8 = 1
	tagTraceID     uint8 = 2
	tagSignature   uint8 = 3
	tagPayloadType uint8 = 4
	tagPayload     uint8 = 5
)

// Payload-level TLV tags. Each payload variant reuses the small tag space
// 1..8 scoped to its own nested TLV buffer.
const (
	hsrTagBotID        uint8 = 1
	hsrTagInstanceID    uint8 = 2
	hsrTagAuthToken     uint8 = 3
	hsrTagCapability    uint8 = 4 // repeated

	hspTagStatus            uint8 = 1
	hspTagHeartbeatInterval uint8 = 2
	hspTagIssuedAPIKey      uint8 = 3

	cmdReqTagCommandID   uint8 = 1
	cmdReqTagCommandName uint8 = 2
	cmdReqTagArguments   uint8 = 3

	cmdRespTagCommandID uint8 = 1
	cmdRespTagStatus    uint8 = 2
	cmdRespTagResult    uint8 = 3
	cmdRespTagError     uint8 = 4

	eventTagName    uint8 = 1
	eventTagPayload uint8 = 2

	errTagCode    uint8 = 1
	errTagMessage uint8 = 2
)

// Encode is a total function over any structurally valid Envelope: it never
// fails. It returns the schema-versioned frame body (without the outer
// length prefix); use WriteFrame to write a length-prefixed frame to a
// stream.
func Encode(env Envelope) []byte {
	body := []byte{SchemaVersion}
	body = appendString(body, tagMessageID, env.MessageID)
	body = appendString(body, tagTraceID, env.TraceID)
	if len(env.Signature) > 0 {
		body = appendTLV(body, tagSignature, env.Signature)
	}
	body = appendByte(body, tagPayloadType, uint8(env.PayloadType))
	body = appendTLV(body, tagPayload, encodePayload(env.PayloadType, env.Payload))
	for _, u := range env.Unknown {
		body = appendTLV(body, u.Tag, u.Value)
	}
	return body
}

// Decode parses a schema-versioned frame body produced by Encode (or by a
// conformant remote peer) into an Envelope. It fails with one of
// ErrTruncated, ErrMalformedField, ErrUnknownVariant, or
// ErrUnsupportedVersion.
func Decode(data []byte) (Envelope, error) {
	if len(data) < 1 {
		return Envelope{}, decodeErr(ErrTruncated, "missing schema version byte")
	}
	version := data[0]
	if version > MaxSchemaVersion {
		return Envelope{}, decodeErr(ErrUnsupportedVersion, "")
	}

	fields, err := decodeTLV(data[1:])
	if err != nil {
		return Envelope{}, err
	}

	var env Envelope
	var payloadType uint8
	var payloadBytes []byte
	haveType, havePayload := false, false

	for _, f := range fields {
		switch f.Tag {
		case tagMessageID:
			env.MessageID = string(f.Value)
		case tagTraceID:
			env.TraceID = string(f.Value)
		case tagSignature:
			env.Signature = append([]byte(nil), f.Value...)
		case tagPayloadType:
			b, err := fieldByte(f.Value)
			if err != nil {
				return Envelope{}, err
			}
			payloadType = b
			haveType = true
		case tagPayload:
			payloadBytes = f.Value
			havePayload = true
		default:
			// Forward-compatible: unknown top-level fields survive the
			// round trip unchanged; the core never interprets them.
			env.Unknown = append(env.Unknown, UnknownField{Tag: f.Tag, Value: append([]byte(nil), f.Value...)})
		}
	}

	if !haveType || !havePayload {
		return Envelope{}, decodeErr(ErrMalformedField, "missing payload_type or payload")
	}

	env.PayloadType = PayloadType(payloadType)
	payload, err := decodePayload(env.PayloadType, payloadBytes)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = payload
	return env, nil
}

// WriteFrame writes a single length-prefixed frame (4-byte big-endian
// length followed by the encoded envelope body) to w.
func WriteFrame(w io.Writer, env Envelope) error {
	body := Encode(env)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads a single length-prefixed frame from r and decodes it.
func ReadFrame(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, decodeErr(ErrTruncated, "frame length prefix")
		}
		return Envelope{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, decodeErr(ErrTruncated, "frame body")
		}
		return Envelope{}, err
	}
	return Decode(body)
}

func encodePayload(pt PayloadType, p Payload) []byte {
	var buf []byte
	switch v := p.(type) {
	case HandshakeRequest:
		buf = appendString(buf, hsrTagBotID, v.BotID)
		buf = appendString(buf, hsrTagInstanceID, v.InstanceID)
		buf = appendString(buf, hsrTagAuthToken, v.AuthToken)
		for _, c := range v.Capabilities {
			buf = appendString(buf, hsrTagCapability, c)
		}
	case HandshakeResponse:
		buf = appendByte(buf, hspTagStatus, uint8(v.Status))
		buf = appendUint32(buf, hspTagHeartbeatInterval, v.HeartbeatInterval)
		if v.IssuedAPIKey != "" {
			buf = appendString(buf, hspTagIssuedAPIKey, v.IssuedAPIKey)
		}
	case Heartbeat:
		// no fields
	case CommandRequest:
		buf = appendString(buf, cmdReqTagCommandID, v.CommandID)
		buf = appendString(buf, cmdReqTagCommandName, v.CommandName)
		buf = appendTLV(buf, cmdReqTagArguments, v.Arguments)
	case CommandResponse:
		buf = appendString(buf, cmdRespTagCommandID, v.CommandID)
		buf = appendByte(buf, cmdRespTagStatus, uint8(v.Status))
		buf = appendTLV(buf, cmdRespTagResult, v.Result)
		if v.Error != "" {
			buf = appendString(buf, cmdRespTagError, v.Error)
		}
	case Event:
		buf = appendString(buf, eventTagName, v.Name)
		buf = appendTLV(buf, eventTagPayload, v.Payload)
	case Error:
		buf = appendString(buf, errTagCode, v.Code)
		buf = appendString(buf, errTagMessage, v.Message)
	}
	_ = pt
	return buf
}

func decodePayload(pt PayloadType, data []byte) (Payload, error) {
	fields, err := decodeTLV(data)
	if err != nil {
		return nil, err
	}
	switch pt {
	case PayloadHandshakeRequest:
		var v HandshakeRequest
		for _, f := range fields {
			switch f.Tag {
			case hsrTagBotID:
				v.BotID = string(f.Value)
			case hsrTagInstanceID:
				v.InstanceID = string(f.Value)
			case hsrTagAuthToken:
				v.AuthToken = string(f.Value)
			case hsrTagCapability:
				v.Capabilities = append(v.Capabilities, string(f.Value))
			}
		}
		return v, nil
	case PayloadHandshakeResponse:
		var v HandshakeResponse
		for _, f := range fields {
			switch f.Tag {
			case hspTagStatus:
				b, err := fieldByte(f.Value)
				if err != nil {
					return nil, err
				}
				v.Status = HandshakeStatus(b)
			case hspTagHeartbeatInterval:
				u, err := fieldUint32(f.Value)
				if err != nil {
					return nil, err
				}
				v.HeartbeatInterval = u
			case hspTagIssuedAPIKey:
				v.IssuedAPIKey = string(f.Value)
			}
		}
		return v, nil
	case PayloadHeartbeat:
		return Heartbeat{}, nil
	case PayloadCommandRequest:
		var v CommandRequest
		for _, f := range fields {
			switch f.Tag {
			case cmdReqTagCommandID:
				v.CommandID = string(f.Value)
			case cmdReqTagCommandName:
				v.CommandName = string(f.Value)
			case cmdReqTagArguments:
				v.Arguments = append([]byte(nil), f.Value...)
			}
		}
		return v, nil
	case PayloadCommandResponse:
		var v CommandResponse
		for _, f := range fields {
			switch f.Tag {
			case cmdRespTagCommandID:
				v.CommandID = string(f.Value)
			case cmdRespTagStatus:
				b, err := fieldByte(f.Value)
				if err != nil {
					return nil, err
				}
				v.Status = CommandStatus(b)
			case cmdRespTagResult:
				v.Result = append([]byte(nil), f.Value...)
			case cmdRespTagError:
				v.Error = string(f.Value)
			}
		}
		return v, nil
	case PayloadEvent:
		var v Event
		for _, f := range fields {
			switch f.Tag {
			case eventTagName:
				v.Name = string(f.Value)
			case eventTagPayload:
				v.Payload = append([]byte(nil), f.Value...)
			}
		}
		return v, nil
	case PayloadError:
		var v Error
		for _, f := range fields {
			switch f.Tag {
			case errTagCode:
				v.Code = string(f.Value)
			case errTagMessage:
				v.Message = string(f.Value)
			}
		}
		return v, nil
	default:
		return nil, decodeErr(ErrUnknownVariant, "")
	}
}
