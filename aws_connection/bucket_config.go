package aws_connection

import (
	"fmt"
	"strings"
)

// BucketConfig holds the per-tenant settings of a single bucket
// Credentials are resolved in order: role assumption, static keys, the process-wide default chain
type BucketConfig struct {
	Name string `hcl:"name,label"`

	Role            *string `hcl:"role"`
	ExternalId      *string `hcl:"external_id"`
	RoleSessionName *string `hcl:"role_session_name"`

	AccessKey    *string `hcl:"access_key"`
	SecretKey    *string `hcl:"secret_key"`
	SessionToken *string `hcl:"session_token"`

	Region           *string `hcl:"region"`
	EndpointUrl      *string `hcl:"endpoint_url"`
	S3ForcePathStyle *bool   `hcl:"s3_force_path_style"`
}

func (b *BucketConfig) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("bucket name is required")
	}
	if (b.AccessKey == nil) != (b.SecretKey == nil) {
		return fmt.Errorf("bucket %s: access_key and secret_key must be set together", b.Name)
	}
	if b.Role != nil && b.AccessKey != nil {
		return fmt.Errorf("bucket %s: role and access_key are mutually exclusive", b.Name)
	}
	return nil
}

func (b *BucketConfig) hasRole() bool {
	return b.Role != nil && *b.Role != ""
}

func (b *BucketConfig) hasStaticKeys() bool {
	return b.AccessKey != nil && b.SecretKey != nil
}
