package engine

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec selects how WebSocket frames are encoded. JSON goes out as text
// frames, msgpack as binary frames.
type Codec int

const (
	CodecJSON Codec = iota
	CodecMsgpack
)

// ParseCodec maps the ?codec= query value to a Codec. Empty means JSON.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "json":
		return CodecJSON, nil
	case "msgpack":
		return CodecMsgpack, nil
	}
	return CodecJSON, fmt.Errorf("unknown codec %q", s)
}

func (c Codec) String() string {
	if c == CodecMsgpack {
		return "msgpack"
	}
	return "json"
}

func (c Codec) Marshal(v any) ([]byte, error) {
	if c == CodecMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

func (c Codec) Unmarshal(data []byte, v any) error {
	if c == CodecMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func (c Codec) frameType() int {
	if c == CodecMsgpack {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// ---------------------------------------------------------------------------
// msgpack shapes match the JSON ones: cells and directions are pairs.
// ---------------------------------------------------------------------------

var (
	_ msgpack.CustomEncoder = Cell{}
	_ msgpack.CustomDecoder = (*Cell)(nil)
	_ msgpack.CustomEncoder = Direction(0)
)

func (c Cell) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode([]int{c.Row, c.Col})
}

func (c *Cell) DecodeMsgpack(dec *msgpack.Decoder) error {
	var pair []int
	if err := dec.Decode(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("cell: want 2 coordinates, got %d", len(pair))
	}
	c.Row, c.Col = pair[0], pair[1]
	return nil
}

func (d Direction) EncodeMsgpack(enc *msgpack.Encoder) error {
	dr, dc := d.Vector()
	return enc.Encode([]int{dr, dc})
}
