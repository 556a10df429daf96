package codec

import (
	"fmt"

	"github.com/iancoleman/strcase"
	"github.com/satyrius/gonx"
	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// gonxCodec parses nginx style formatted lines, e.g. ELB or access logs
// the parsed fields are added to the event alongside the original message
type gonxCodec struct {
	name   string
	parser *gonx.Parser
}

func newGonxCodec(c *Config) (types.Codec, error) {
	return &gonxCodec{
		name:   c.Name,
		parser: gonx.NewParser(*c.Format),
	}, nil
}

func (c *gonxCodec) Identifier() string {
	return c.name
}

func (c *gonxCodec) NewDecoder() types.Decoder {
	return &gonxDecoder{parser: c.parser}
}

type gonxDecoder struct {
	parser *gonx.Parser
}

func (d *gonxDecoder) Decode(line string) ([]*types.Event, error) {
	entry, err := d.parser.ParseString(line)
	if err != nil {
		return nil, fmt.Errorf("error parsing log line: %w", err)
	}
	fields := make(map[string]any)
	for k, v := range entry.Fields() {
		fields[strcase.ToSnake(k)] = v
	}
	fields[constants.FieldMessage] = line
	return []*types.Event{types.NewEvent(fields)}, nil
}

func (d *gonxDecoder) Flush() ([]*types.Event, error) {
	return nil, nil
}
