package codec

import (
	"regexp"
	"strings"

	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// multilineCodec groups consecutive lines into a single message event
// with what=previous, a line matching the pattern (or not matching, if negated) is appended to the preceding group
// with what=next, such a line starts or continues a group which is completed by the next non-matching line
type multilineCodec struct {
	name    string
	pattern *regexp.Regexp
	negate  bool
	what    string
}

func newMultilineCodec(c *Config) (types.Codec, error) {
	pattern, err := regexp.Compile(*c.Pattern)
	if err != nil {
		return nil, err
	}
	return &multilineCodec{
		name:    c.Name,
		pattern: pattern,
		negate:  c.negate(),
		what:    c.what(),
	}, nil
}

func (c *multilineCodec) Identifier() string {
	return c.name
}

func (c *multilineCodec) NewDecoder() types.Decoder {
	return &multilineDecoder{codec: c}
}

type multilineDecoder struct {
	codec  *multilineCodec
	buffer []string
}

func (d *multilineDecoder) Decode(line string) ([]*types.Event, error) {
	continuation := d.codec.pattern.MatchString(line) != d.codec.negate

	if d.codec.what == WhatNext {
		d.buffer = append(d.buffer, line)
		if continuation {
			return nil, nil
		}
		return d.flush(), nil
	}

	// what == previous
	if continuation && len(d.buffer) > 0 {
		d.buffer = append(d.buffer, line)
		return nil, nil
	}
	res := d.flush()
	d.buffer = append(d.buffer, line)
	return res, nil
}

func (d *multilineDecoder) Flush() ([]*types.Event, error) {
	return d.flush(), nil
}

func (d *multilineDecoder) flush() []*types.Event {
	if len(d.buffer) == 0 {
		return nil
	}
	event := types.NewMessageEvent(strings.Join(d.buffer, "\n"))
	d.buffer = d.buffer[:0]
	return []*types.Event{event}
}
