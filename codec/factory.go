package codec

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// Factory resolves the codec for an object using the routing table
// codecs are created on first use and cached for the lifetime of the factory
type Factory struct {
	registry     *Registry
	routes       *RoutingTable
	defaultCodec types.Codec

	codecs    map[string]types.Codec
	codecLock sync.RWMutex
}

func NewFactory(registry *Registry, routes *RoutingTable, defaultCodecName string) (*Factory, error) {
	for _, name := range routes.CodecNames() {
		if !registry.Has(name) {
			return nil, fmt.Errorf("route references unknown codec '%s'", name)
		}
	}
	defaultCodec, err := registry.Create(defaultCodecName)
	if err != nil {
		return nil, fmt.Errorf("failed to create default codec: %w", err)
	}
	return &Factory{
		registry:     registry,
		routes:       routes,
		defaultCodec: defaultCodec,
		codecs: map[string]types.Codec{
			defaultCodecName: defaultCodec,
		},
	}, nil
}

// GetCodec returns the codec and event type for the object
// objects which match no route get the default codec and no type
func (f *Factory) GetCodec(ref types.ObjectReference) (types.Codec, string, error) {
	route, ok := f.routes.Match(ref.Bucket, ref.Folder)
	if !ok {
		return f.defaultCodec, "", nil
	}
	codec, err := f.resolveCodec(route.CodecName)
	if err != nil {
		return nil, "", err
	}
	return codec, route.Type, nil
}

func (f *Factory) DefaultCodec() types.Codec {
	return f.defaultCodec
}

func (f *Factory) resolveCodec(name string) (types.Codec, error) {
	// have we already created this codec?
	f.codecLock.RLock()
	c, ok := f.codecs[name]
	f.codecLock.RUnlock()
	if ok {
		return c, nil
	}

	// no - create and cache a new one
	f.codecLock.Lock()
	defer f.codecLock.Unlock()
	// check again in case another worker created it while we waited for the lock
	if c, ok = f.codecs[name]; ok {
		return c, nil
	}
	c, err := f.registry.Create(name)
	if err != nil {
		return nil, err
	}
	slog.Debug("created codec", "codec", name)
	f.codecs[name] = c
	return c, nil
}
