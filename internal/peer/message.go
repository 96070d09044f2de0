package peer

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/petervdpas/goopcall/internal/model"
)

// EncodeMessage packs m for the messages data channel.
func EncodeMessage(m model.DataMessage) ([]byte, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode data message: %w", err)
	}
	return b, nil
}

// DecodeMessage unpacks a messages data channel frame.
func DecodeMessage(b []byte) (model.DataMessage, error) {
	var m model.DataMessage
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode data message: %w", err)
	}
	return m, nil
}
