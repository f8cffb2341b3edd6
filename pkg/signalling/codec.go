package signalling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocol names, one per codec.
// A client that offers no subprotocol gets JSON.
const (
	ProtocolJSON    = "walkietalkie.json"
	ProtocolMsgpack = "walkietalkie.msgpack"
)

// Codec turns Messages into websocket frames and back.
type Codec interface {
	// The websocket subprotocol this codec is negotiated under
	Protocol() string

	// Whether frames are sent as binary (true) or text (false) websocket messages
	Binary() bool

	Marshal(msg Message) ([]byte, error)
	Unmarshal(data []byte, msg *Message) error
}

// Look up a codec by its subprotocol name.
// The empty string selects JSON, matching clients that do not negotiate.
func CodecForProtocol(protocol string) (Codec, error) {
	switch protocol {
	case "", ProtocolJSON:
		return JSONCodec{}, nil
	case ProtocolMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported signalling protocol %q", protocol)
	}
}

// All supported subprotocols, in order of server preference.
func SupportedProtocols() []string {
	return []string{ProtocolJSON, ProtocolMsgpack}
}

// --------------------------------------------------------------------------------

type JSONCodec struct{}

func (JSONCodec) Protocol() string { return ProtocolJSON }
func (JSONCodec) Binary() bool     { return false }

func (JSONCodec) Marshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Unmarshal(data []byte, msg *Message) error {
	return json.Unmarshal(data, msg)
}

// --------------------------------------------------------------------------------

// MsgpackCodec reuses the json struct tags, so both codecs agree on field names.
type MsgpackCodec struct{}

func (MsgpackCodec) Protocol() string { return ProtocolMsgpack }
func (MsgpackCodec) Binary() bool     { return true }

func (MsgpackCodec) Marshal(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, msg *Message) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(msg)
}
