package queue_poller

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// s3Record is a single record of an S3 event notification
type s3Record struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

type notification struct {
	Records []s3Record `json:"Records"`
}

type envelopeParser struct {
	// nil detects SNS wrapping automatically
	fromSns      *bool
	folderMode   types.FolderMode
	folderPrefix string
}

// parse returns the object created records of the message body
// hasRecords is false for messages without a Records list (e.g. s3:TestEvent), which are not notifications
func (p *envelopeParser) parse(body string) (refs []types.ObjectReference, hasRecords bool, err error) {
	payload, err := p.unwrap(body)
	if err != nil {
		return nil, false, err
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, false, fmt.Errorf("invalid notification: %w", err)
	}
	if n.Records == nil {
		return nil, false, nil
	}

	for _, r := range n.Records {
		if r.EventSource != constants.EventSource || !strings.HasPrefix(r.EventName, constants.EventTypePrefix) {
			slog.Debug("skipping record", "event_source", r.EventSource, "event_name", r.EventName)
			continue
		}
		bucket := unescape(r.S3.Bucket.Name)
		key := unescape(r.S3.Object.Key)
		refs = append(refs, types.NewObjectReference(bucket, key, r.S3.Object.Size, p.folderMode, p.folderPrefix))
	}
	return refs, true, nil
}

// unwrap returns the S3 notification payload, extracting it from the SNS envelope if the message is wrapped
func (p *envelopeParser) unwrap(body string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, fmt.Errorf("invalid message body: %w", err)
	}
	message, hasMessage := fields[constants.SnsMessageKey]
	_, hasRecords := fields["Records"]

	wrapped := hasMessage && !hasRecords
	if p.fromSns != nil {
		wrapped = *p.fromSns
	}
	if !wrapped {
		return []byte(body), nil
	}
	if !hasMessage {
		return nil, fmt.Errorf("message has no SNS %s field", constants.SnsMessageKey)
	}
	var inner string
	if err := json.Unmarshal(message, &inner); err != nil {
		return nil, fmt.Errorf("invalid SNS %s field: %w", constants.SnsMessageKey, err)
	}
	return []byte(inner), nil
}

// keys in S3 notifications are form encoded, e.g. spaces are encoded as '+'
func unescape(s string) string {
	res, err := url.QueryUnescape(s)
	if err != nil {
		slog.Warn("failed to unescape notification value, using it as is", "value", s, "error", err)
		return s
	}
	return res
}
