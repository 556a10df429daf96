package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// jsonCodec decodes each line as a JSON object
type jsonCodec struct {
	name string
}

func newJSONCodec(c *Config) (types.Codec, error) {
	return &jsonCodec{name: c.Name}, nil
}

func (c *jsonCodec) Identifier() string {
	return c.name
}

func (c *jsonCodec) NewDecoder() types.Decoder {
	return jsonDecoder{}
}

type jsonDecoder struct{}

func (jsonDecoder) Decode(line string) ([]*types.Event, error) {
	// blank lines between objects are not an error
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return []*types.Event{types.NewEvent(fields)}, nil
}

func (jsonDecoder) Flush() ([]*types.Event, error) {
	return nil, nil
}
