package codec

import (
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// plainCodec emits each line as the message of a single event
type plainCodec struct {
	name string
}

func newPlainCodec(c *Config) (types.Codec, error) {
	return &plainCodec{name: c.Name}, nil
}

func (c *plainCodec) Identifier() string {
	return c.name
}

func (c *plainCodec) NewDecoder() types.Decoder {
	return plainDecoder{}
}

type plainDecoder struct{}

func (plainDecoder) Decode(line string) ([]*types.Event, error) {
	return []*types.Event{types.NewMessageEvent(line)}, nil
}

func (plainDecoder) Flush() ([]*types.Event, error) {
	return nil, nil
}
