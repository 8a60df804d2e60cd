// Package wire encodes messages for ports which leave the process.
//
// It is a transport frame, not an NRS wire format: each port is free to
// pick another one. The layout uses the protobuf wire format so it can be
// described by the following schema, even though no generated code is
// involved:
//
//	message Field { string name = 1; string value = 2; }
//	message Message {
//	  string type = 1;
//	  repeated Field fields = 2;
//	  repeated Field nrs_fields = 3;
//	}
//	message Frame { string from = 1; Message msg = 2; }
package wire

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/raskyld/nrs/pkg/message"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformed = errors.New("wire: malformed frame")
)

const (
	numMsgType      protowire.Number = 1
	numMsgFields    protowire.Number = 2
	numMsgNRSFields protowire.Number = 3

	numFieldName  protowire.Number = 1
	numFieldValue protowire.Number = 2

	numFrameFrom protowire.Number = 1
	numFrameMsg  protowire.Number = 2
)

// Marshal encodes msg. Fields are sorted so equal messages produce equal
// bytes. The auxiliary record is never encoded.
func Marshal(msg *message.Message) []byte {
	return AppendMessage(nil, msg)
}

// AppendMessage appends the encoding of msg to buf.
func AppendMessage(buf []byte, msg *message.Message) []byte {
	buf = protowire.AppendTag(buf, numMsgType, protowire.BytesType)
	buf = protowire.AppendString(buf, msg.Type())
	buf = appendFields(buf, numMsgFields, msg.Fields())
	buf = appendFields(buf, numMsgNRSFields, msg.NRSFields())
	return buf
}

func appendFields(buf []byte, num protowire.Number, fields map[string]string) []byte {
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		var entry []byte
		entry = protowire.AppendTag(entry, numFieldName, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, numFieldValue, protowire.BytesType)
		entry = protowire.AppendString(entry, fields[name])

		buf = protowire.AppendTag(buf, num, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}
	return buf
}

// Unmarshal decodes a message encoded by Marshal. Unknown fields are
// skipped.
func Unmarshal(buf []byte) (*message.Message, error) {
	msg := message.New("")
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch num {
		case numMsgType:
			msg.SetType(string(val))
		case numMsgFields:
			name, value, err := consumeField(val)
			if err != nil {
				return nil, err
			}
			msg.SetField(name, value)
		case numMsgNRSFields:
			name, value, err := consumeField(val)
			if err != nil {
				return nil, err
			}
			msg.SetNRSField(name, value)
		}
	}
	return msg, nil
}

func consumeField(buf []byte) (name, value string, err error) {
	var hasName bool
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return "", "", fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return "", "", fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}
		val, n := protowire.ConsumeString(buf)
		if n < 0 {
			return "", "", fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case numFieldName:
			name = val
			hasName = true
		case numFieldValue:
			value = val
		}
	}
	if !hasName {
		return "", "", fmt.Errorf("%w: field without a name", ErrMalformed)
	}
	return name, value, nil
}

// MarshalFrame wraps msg with the port-level address of its sender.
func MarshalFrame(from string, msg *message.Message) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, numFrameFrom, protowire.BytesType)
	buf = protowire.AppendString(buf, from)
	buf = protowire.AppendTag(buf, numFrameMsg, protowire.BytesType)
	buf = protowire.AppendBytes(buf, Marshal(msg))
	return buf
}

// UnmarshalFrame is the inverse of MarshalFrame.
func UnmarshalFrame(buf []byte) (from string, msg *message.Message, err error) {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}
		val, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case numFrameFrom:
			from = string(val)
		case numFrameMsg:
			msg, err = Unmarshal(val)
			if err != nil {
				return "", nil, err
			}
		}
	}
	if msg == nil {
		return "", nil, fmt.Errorf("%w: frame without message", ErrMalformed)
	}
	return from, msg, nil
}
