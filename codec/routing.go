package codec

import (
	"fmt"
	"regexp"
)

// RouteConfig maps objects to a codec (and optionally an event type) by bucket and folder
// an unset pattern matches anything; patterns must match the whole bucket name / folder
type RouteConfig struct {
	Bucket *string `hcl:"bucket"`
	Folder *string `hcl:"folder"`
	Codec  string  `hcl:"codec"`
	Type   *string `hcl:"type"`
}

func (c *RouteConfig) Validate() error {
	_, err := newRoute(c)
	return err
}

// Route is a compiled routing rule
type Route struct {
	bucket *regexp.Regexp
	folder *regexp.Regexp

	CodecName string
	Type      string
}

func newRoute(c *RouteConfig) (*Route, error) {
	if c.Codec == "" {
		return nil, fmt.Errorf("route must specify a codec")
	}
	bucket, err := compileAnchored(c.Bucket)
	if err != nil {
		return nil, fmt.Errorf("route for codec %s: invalid bucket pattern: %w", c.Codec, err)
	}
	folder, err := compileAnchored(c.Folder)
	if err != nil {
		return nil, fmt.Errorf("route for codec %s: invalid folder pattern: %w", c.Codec, err)
	}
	r := &Route{
		bucket:    bucket,
		folder:    folder,
		CodecName: c.Codec,
	}
	if c.Type != nil {
		r.Type = *c.Type
	}
	return r, nil
}

func (r *Route) Matches(bucket, folder string) bool {
	return r.bucket.MatchString(bucket) && r.folder.MatchString(folder)
}

// an empty pattern only matches the empty string, a nil pattern matches anything
func compileAnchored(pattern *string) (*regexp.Regexp, error) {
	p := ".*"
	if pattern != nil {
		p = *pattern
	}
	return regexp.Compile("^(?:" + p + ")$")
}

// RoutingTable is an ordered list of routes; the first matching route wins
// it is immutable once built and safe for concurrent use
type RoutingTable struct {
	routes []*Route
}

func NewRoutingTable(configs []*RouteConfig) (*RoutingTable, error) {
	t := &RoutingTable{}
	for _, c := range configs {
		r, err := newRoute(c)
		if err != nil {
			return nil, err
		}
		t.routes = append(t.routes, r)
	}
	return t, nil
}

func (t *RoutingTable) Match(bucket, folder string) (*Route, bool) {
	for _, r := range t.routes {
		if r.Matches(bucket, folder) {
			return r, true
		}
	}
	return nil, false
}

func (t *RoutingTable) CodecNames() []string {
	var res []string
	for _, r := range t.routes {
		res = append(res, r.CodecName)
	}
	return res
}
