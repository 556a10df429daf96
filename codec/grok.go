package codec

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/elastic/go-grok"
	"github.com/iancoleman/strcase"
	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

var errGrokNoMatch = errors.New("line does not match grok pattern")

// grokCodec extracts the named captures of a grok pattern
// the grok instance is compiled once and only read afterwards, so it is shared by all decoders
type grokCodec struct {
	name string
	g    *grok.Grok
}

func newGrokCodec(c *Config) (types.Codec, error) {
	g := grok.New()
	if len(c.Patterns) > 0 {
		if err := g.AddPatterns(c.Patterns); err != nil {
			return nil, err
		}
	}
	if err := g.Compile(*c.Pattern, true); err != nil {
		return nil, err
	}
	return &grokCodec{name: c.Name, g: g}, nil
}

func (c *grokCodec) Identifier() string {
	return c.name
}

func (c *grokCodec) NewDecoder() types.Decoder {
	return &grokDecoder{g: c.g}
}

type grokDecoder struct {
	g *grok.Grok
}

func (d *grokDecoder) Decode(line string) ([]*types.Event, error) {
	if !d.g.MatchString(line) {
		return nil, errGrokNoMatch
	}
	captures, err := d.g.Parse([]byte(line))
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any, len(captures)+1)
	for k, v := range captures {
		fields[strcase.ToSnake(k)] = string(v)
	}
	fields[constants.FieldMessage] = line
	return []*types.Event{types.NewEvent(fields)}, nil
}

func (d *grokDecoder) Flush() ([]*types.Event, error) {
	return nil, nil
}

var grokCaptureRegex = regexp.MustCompile(`%{\w+:(\w+)(?::\w+)?}`)

// grokCaptureNames returns the field names of the named captures in a grok pattern, e.g. `%{WORD:org}` gives "org"
func grokCaptureNames(pattern string) []string {
	matches := grokCaptureRegex.FindAllStringSubmatch(pattern, -1)

	names := []string{}
	for _, match := range matches {
		if len(match) > 1 {
			names = append(names, match[1])
		}
	}
	return names
}

// a pattern without captures would only ever emit the raw line, and a field captured twice loses the first value
func validateGrokCaptures(codecName, pattern string) error {
	names := grokCaptureNames(pattern)
	if len(names) == 0 {
		return fmt.Errorf("codec %s: grok pattern has no named captures", codecName)
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		field := strcase.ToSnake(name)
		if _, ok := seen[field]; ok {
			return fmt.Errorf("codec %s: grok pattern captures field %s more than once", codecName, field)
		}
		seen[field] = struct{}{}
	}
	return nil
}
