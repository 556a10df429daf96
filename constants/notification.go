package constants

const (
	// only records from this event source are processed
	EventSource = "aws:s3"
	// only events whose name starts with this prefix are processed, e.g. ObjectCreated:Put
	EventTypePrefix = "ObjectCreated"

	// the key holding the wrapped payload of an SNS notification
	SnsMessageKey = "Message"
)
