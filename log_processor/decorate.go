package log_processor

import (
	"maps"
	"slices"
	"strings"

	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// fileState holds the columnar (W3C extended log format) header values seen so far in a file
type fileState struct {
	version string
	fields  string
}

// consume records "#Version: " and "#Fields: " header lines, returning true if the line was a header
func (s *fileState) consume(line string) bool {
	switch {
	case strings.HasPrefix(line, constants.VersionMetadataPrefix):
		s.version = headerValue(line, constants.VersionMetadataPrefix)
		return true
	case strings.HasPrefix(line, constants.FieldsMetadataPrefix):
		s.fields = headerValue(line, constants.FieldsMetadataPrefix)
		return true
	}
	return false
}

// update consumes header events, for codecs which rebuild a header line from their own input
func (s *fileState) update(event *types.Event) bool {
	message, ok := event.Message()
	if !ok {
		return false
	}
	return s.consume(message)
}

func headerValue(message, prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(message), strings.TrimSpace(prefix)))
}

func (p *Processor) decorate(event *types.Event, item *types.WorkItem, state *fileState) {
	if item.Type != "" {
		event.SetIfAbsent(constants.FieldType, item.Type)
	}
	for k, v := range p.addFields {
		event.SetIfAbsent(k, v)
	}
	if len(p.tags) > 0 {
		event.Set(constants.FieldTags, appendTags(event, p.tags))
	}

	if state.version != "" {
		event.Set(constants.FieldCloudfrontVersion, state.version)
	}
	if state.fields != "" {
		event.Set(constants.FieldCloudfrontFields, state.fields)
	}

	s3Metadata := make(map[string]any, len(item.SourceMetadata)+3)
	maps.Copy(s3Metadata, item.SourceMetadata)
	s3Metadata[constants.MetadataObjectKey] = item.Key
	s3Metadata[constants.MetadataBucketName] = item.Bucket
	s3Metadata[constants.MetadataObjectFolder] = item.Folder
	if event.Metadata == nil {
		event.Metadata = make(map[string]any)
	}
	event.Metadata[constants.MetadataS3] = s3Metadata
}

// appendTags adds the tags to any tags already on the event, skipping duplicates
func appendTags(event *types.Event, tags []string) []any {
	var res []any
	switch existing := event.Fields[constants.FieldTags].(type) {
	case []any:
		res = slices.Clone(existing)
	case []string:
		for _, t := range existing {
			res = append(res, t)
		}
	case string:
		res = append(res, existing)
	}
	for _, t := range tags {
		if !slices.ContainsFunc(res, func(e any) bool { s, ok := e.(string); return ok && s == t }) {
			res = append(res, t)
		}
	}
	return res
}
