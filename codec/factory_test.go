package codec

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

func strPtr(s string) *string { return &s }

func newTestFactory(t *testing.T, configs []*Config, routes []*RouteConfig, defaultCodec string) *Factory {
	t.Helper()
	registry, err := NewRegistry(configs)
	require.NoError(t, err)
	table, err := NewRoutingTable(routes)
	require.NoError(t, err)
	f, err := NewFactory(registry, table, defaultCodec)
	require.NoError(t, err)
	return f
}

func TestFactory_GetCodec(t *testing.T) {
	configs := []*Config{
		{Name: "fallback", Type: TypePlain},
		{Name: "elb", Type: TypeGonx, Format: strPtr("$client $status")},
	}
	routes := []*RouteConfig{
		{Bucket: strPtr("b1"), Folder: strPtr("logs/elb"), Codec: "plain", Type: strPtr("elb")},
		{Bucket: strPtr("b1"), Folder: strPtr(""), Codec: "json"},
		{Bucket: strPtr("tenant-.*"), Codec: "elb", Type: strPtr("access")},
	}
	f := newTestFactory(t, configs, routes, "fallback")

	tests := []struct {
		name      string
		ref       types.ObjectReference
		wantCodec string
		wantType  string
	}{
		{
			name:      "folder rule",
			ref:       types.NewObjectReference("b1", "logs/elb/file.log", 10, types.FolderModeParent, ""),
			wantCodec: "plain",
			wantType:  "elb",
		},
		{
			name:      "empty folder rule",
			ref:       types.NewObjectReference("b1", "file.log", 10, types.FolderModeParent, ""),
			wantCodec: "json",
		},
		{
			name:      "unmatched folder falls back to default, not the empty folder rule",
			ref:       types.NewObjectReference("b1", "other/file.log", 10, types.FolderModeParent, ""),
			wantCodec: "fallback",
		},
		{
			name:      "bucket pattern with any folder",
			ref:       types.NewObjectReference("tenant-a", "x/y/file.log", 10, types.FolderModeParent, ""),
			wantCodec: "elb",
			wantType:  "access",
		},
		{
			name:      "bucket pattern is anchored",
			ref:       types.NewObjectReference("my-tenant-a", "x/file.log", 10, types.FolderModeParent, ""),
			wantCodec: "fallback",
		},
		{
			name:      "unknown bucket",
			ref:       types.NewObjectReference("b2", "logs/elb/file.log", 10, types.FolderModeParent, ""),
			wantCodec: "fallback",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, typ, err := f.GetCodec(tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCodec, c.Identifier())
			assert.Equal(t, tt.wantType, typ)
		})
	}
}

func TestFactory_CachesCodecPerName(t *testing.T) {
	routes := []*RouteConfig{{Codec: "json"}}
	f := newTestFactory(t, nil, routes, "plain")
	ref := types.NewObjectReference("b", "k", 1, types.FolderModeParent, "")

	var wg sync.WaitGroup
	results := make([]types.Codec, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := f.GetCodec(ref)
			assert.NoError(t, err)
			results[i] = c
		}()
	}
	wg.Wait()
	for _, c := range results {
		assert.Same(t, results[0], c)
	}
}

func TestFactory_DefaultCodecIsReused(t *testing.T) {
	f := newTestFactory(t, nil, nil, "plain")
	ref := types.NewObjectReference("b", "k", 1, types.FolderModeParent, "")
	c1, _, err := f.GetCodec(ref)
	require.NoError(t, err)
	c2, _, err := f.GetCodec(ref)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Same(t, f.DefaultCodec(), c1)
}

func TestNewFactory_Errors(t *testing.T) {
	tests := []struct {
		name         string
		routes       []*RouteConfig
		defaultCodec string
	}{
		{name: "unknown route codec", routes: []*RouteConfig{{Codec: "nope"}}, defaultCodec: "plain"},
		{name: "unknown default codec", defaultCodec: "nope"},
		{name: "multiline requires definition", defaultCodec: "multiline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, err := NewRegistry(nil)
			require.NoError(t, err)
			table, err := NewRoutingTable(tt.routes)
			require.NoError(t, err)
			_, err = NewFactory(registry, table, tt.defaultCodec)
			assert.Error(t, err)
		})
	}
}

func TestNewRoutingTable_InvalidPattern(t *testing.T) {
	_, err := NewRoutingTable([]*RouteConfig{{Bucket: strPtr("("), Codec: "plain"}})
	assert.Error(t, err)

	_, err = NewRoutingTable([]*RouteConfig{{Bucket: strPtr("b")}})
	assert.Error(t, err)
}

func TestNewRegistry_Errors(t *testing.T) {
	tests := []struct {
		name    string
		configs []*Config
	}{
		{name: "duplicate", configs: []*Config{{Name: "a", Type: TypePlain}, {Name: "a", Type: TypeJSON}}},
		{name: "unsupported type", configs: []*Config{{Name: "a", Type: "xml"}}},
		{name: "gonx without format", configs: []*Config{{Name: "a", Type: TypeGonx}}},
		{name: "grok without pattern", configs: []*Config{{Name: "a", Type: TypeGrok}}},
		{name: "multiline bad what", configs: []*Config{{Name: "a", Type: TypeMultiline, Pattern: strPtr("^\\s"), What: strPtr("after")}}},
		{name: "multiline bad pattern", configs: []*Config{{Name: "a", Type: TypeMultiline, Pattern: strPtr("(")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.configs)
			assert.Error(t, err)
		})
	}
}
