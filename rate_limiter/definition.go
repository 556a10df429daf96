package rate_limiter

import (
	"errors"
	"fmt"
	"strings"
)

// Definition configures a limiter: a token bucket (fill rate per second and burst size) and/or a concurrency limit
// Zero values disable the corresponding limit
type Definition struct {
	// set by the owner of the definition, e.g. "download"
	Name           string
	FillRate       float64 `hcl:"fill_rate,optional"`
	BucketSize     int     `hcl:"bucket_size,optional"`
	MaxConcurrency int64   `hcl:"max_concurrency,optional"`
}

func (d *Definition) String() string {
	var parts []string
	if d.FillRate > 0 {
		parts = append(parts, fmt.Sprintf("Limit(/s): %v, Burst: %d", d.FillRate, d.BucketSize))
	}
	if d.MaxConcurrency > 0 {
		parts = append(parts, fmt.Sprintf("MaxConcurrency: %d", d.MaxConcurrency))
	}
	if len(parts) == 0 {
		return "unlimited"
	}
	return strings.Join(parts, " ")
}

func (d *Definition) Validate() error {
	var validationErrors []error
	if d.FillRate < 0 || d.BucketSize < 0 || d.MaxConcurrency < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("rate limiter %s: limits must not be negative", d.Name))
	}
	if d.FillRate > 0 && d.BucketSize == 0 {
		validationErrors = append(validationErrors, fmt.Errorf("rate limiter %s: bucket_size must be set when fill_rate is set", d.Name))
	}
	return errors.Join(validationErrors...)
}
