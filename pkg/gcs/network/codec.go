package network

import (
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
)

// Encode the event to be sent through the wire.
func Encode(event types.Event) ([]byte, error) {
	var data []byte
	enc := codec.NewEncoderBytes(&data, &codec.MsgpackHandle{})
	if err := enc.Encode(&event); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode an event received from the wire.
func Decode(data []byte) (types.Event, error) {
	var event types.Event
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	err := dec.Decode(&event)
	return event, err
}
