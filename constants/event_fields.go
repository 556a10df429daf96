package constants

const (
	FieldMessage = "message"
	FieldType    = "type"
	FieldTags    = "tags"

	// columnar (W3C extended / CloudFront) file header markers
	VersionMetadataPrefix = "#Version: "
	FieldsMetadataPrefix  = "#Fields: "

	FieldCloudfrontVersion = "cloudfront_version"
	FieldCloudfrontFields  = "cloudfront_fields"

	// provenance, stored under the event metadata
	MetadataS3           = "s3"
	MetadataObjectKey    = "object_key"
	MetadataBucketName   = "bucket_name"
	MetadataObjectFolder = "object_folder"
)
