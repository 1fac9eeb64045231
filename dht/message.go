package dht

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/cipher-network/cipher-agent/gerror"
	"github.com/pkg/errors"
)

// Message types exchanged over the DHT wire.
const (
	MsgPing      = "PING"
	MsgPong      = "PONG"
	MsgFindNode  = "FIND_NODE"
	MsgNodes     = "NODES"
	MsgStore     = "STORE"
	MsgStored    = "STORED"
	MsgFindValue = "FIND_VALUE"
	MsgValue     = "VALUE"
)

// maxFrameSize bounds one length-prefixed frame.
const maxFrameSize = 64 << 10

// Message is the wire envelope: a u32 big-endian length prefix followed by
// this structure as UTF-8 JSON. ID is the hex node ID of the sender; TxID
// pairs requests with responses.
type Message struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	TxID string          `json:"tx_id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// pingData rides on PING so the responder learns the sender's server port;
// the host is taken from the connection itself.
type pingData struct {
	Port int `json:"port,omitempty"`
}

type findNodeData struct {
	Target string `json:"target"`
	Port   int    `json:"port,omitempty"`
}

type nodesData struct {
	Nodes []wirePeer `json:"nodes"`
}

type wirePeer struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type storeData struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Port  int             `json:"port,omitempty"`
}

type findValueData struct {
	Key  string `json:"key"`
	Port int    `json:"port,omitempty"`
}

type valueData struct {
	Value []json.RawMessage `json:"value"`
}

func writeFrame(w io.Writer, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding dht frame")
	}
	if len(payload) > maxFrameSize {
		return errors.Wrap(gerror.ErrBadInput, "dht frame too large")
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader) (Message, error) {
	var msg Message
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return msg, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxFrameSize {
		return msg, errors.Wrapf(gerror.ErrBadInput, "dht frame length %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return msg, err
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, errors.Wrap(gerror.ErrBadInput, "dht frame is not JSON")
	}
	return msg, nil
}

func marshalData(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
