package codec

import (
	"fmt"

	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

type codecCtor func(*Config) (types.Codec, error)

var codecTypes = map[string]codecCtor{
	TypePlain:     newPlainCodec,
	TypeJSON:      newJSONCodec,
	TypeMultiline: newMultilineCodec,
	TypeGonx:      newGonxCodec,
	TypeGrok:      newGrokCodec,
}

// types which may be referenced by name without a codec block
var parameterlessTypes = map[string]struct{}{
	TypePlain: {},
	TypeJSON:  {},
}

// Registry resolves codec names to codec definitions
type Registry struct {
	configs map[string]*Config
}

func NewRegistry(configs []*Config) (*Registry, error) {
	r := &Registry{configs: make(map[string]*Config, len(configs))}
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.configs[c.Name]; ok {
			return nil, fmt.Errorf("duplicate codec definition '%s'", c.Name)
		}
		r.configs[c.Name] = c
	}
	return r, nil
}

// Has returns whether the name refers to a defined codec or a parameterless built-in type
func (r *Registry) Has(name string) bool {
	if _, ok := r.configs[name]; ok {
		return true
	}
	_, ok := parameterlessTypes[name]
	return ok
}

// Create instantiates the named codec
func (r *Registry) Create(name string) (types.Codec, error) {
	c, ok := r.configs[name]
	if !ok {
		if _, builtin := parameterlessTypes[name]; !builtin {
			return nil, fmt.Errorf("unknown codec '%s'", name)
		}
		c = &Config{Name: name, Type: name}
	}
	ctor, ok := codecTypes[c.Type]
	if !ok {
		return nil, fmt.Errorf("codec %s: unsupported type '%s'", name, c.Type)
	}
	codec, err := ctor(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec %s: %w", name, err)
	}
	return codec, nil
}
