package codec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	TypePlain     = "plain"
	TypeJSON      = "json"
	TypeMultiline = "multiline"
	TypeGonx      = "gonx"
	TypeGrok      = "grok"

	WhatPrevious = "previous"
	WhatNext     = "next"
)

// Config is a named codec definition
// a codec of a type which takes no parameters (plain, json) may be referenced by its type name without a definition
type Config struct {
	Name string `hcl:"name,label"`
	Type string `hcl:"type"`

	// gonx log format, e.g. `$remote_addr [$time_local] "$request"`
	Format *string `hcl:"format"`
	// grok pattern, or the regex used to group lines for multiline
	Pattern *string `hcl:"pattern"`
	// custom grok pattern definitions
	Patterns map[string]string `hcl:"patterns,optional"`
	// multiline settings
	Negate *bool   `hcl:"negate"`
	What   *string `hcl:"what"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("codec name is required")
	}
	switch c.Type {
	case TypePlain, TypeJSON:
		return nil
	case TypeGonx:
		if c.Format == nil || *c.Format == "" {
			return fmt.Errorf("codec %s: format is required for type %s", c.Name, c.Type)
		}
		return nil
	case TypeGrok:
		if c.Pattern == nil || *c.Pattern == "" {
			return fmt.Errorf("codec %s: pattern is required for type %s", c.Name, c.Type)
		}
		return validateGrokCaptures(c.Name, *c.Pattern)
	case TypeMultiline:
		if c.Pattern == nil || *c.Pattern == "" {
			return fmt.Errorf("codec %s: pattern is required for type %s", c.Name, c.Type)
		}
		if _, err := regexp.Compile(*c.Pattern); err != nil {
			return fmt.Errorf("codec %s: invalid pattern: %w", c.Name, err)
		}
		if w := c.what(); w != WhatPrevious && w != WhatNext {
			return fmt.Errorf("codec %s: what must be '%s' or '%s', got '%s'", c.Name, WhatPrevious, WhatNext, w)
		}
		return nil
	default:
		return fmt.Errorf("codec %s: unsupported type '%s'", c.Name, c.Type)
	}
}

func (c *Config) what() string {
	if c.What == nil {
		return WhatPrevious
	}
	return *c.What
}

func (c *Config) negate() bool {
	return c.Negate != nil && *c.Negate
}
