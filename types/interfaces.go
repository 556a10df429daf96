package types

// Codec is a named, immutable decoding configuration which may be shared between workers
// Codecs provided by the codec package: plain, json, multiline, gonx, grok
type Codec interface {
	Identifier() string
	// NewDecoder returns a decoder holding the per-file decoding state
	NewDecoder() Decoder
}

// Decoder converts lines of a single file into events
// A decoder may buffer lines (e.g. multiline grouping); Flush drains any buffered state at end of file
type Decoder interface {
	Decode(line string) ([]*Event, error)
	Flush() ([]*Event, error)
}
