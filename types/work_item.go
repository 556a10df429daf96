package types

// WorkItem is an ObjectReference plus the state of the worker handling it
// It is owned by a single worker and is discarded once the outcome of its record is final
type WorkItem struct {
	ObjectReference

	// the local scratch file the object is downloaded to
	LocalPath string
	// provider response data, populated after download if object properties are included
	SourceMetadata map[string]any
	// the codec resolved for this object and the type label from the routing table (may be empty)
	Codec Codec
	Type  string
}

func NewWorkItem(ref ObjectReference, localPath string) *WorkItem {
	return &WorkItem{
		ObjectReference: ref,
		LocalPath:       localPath,
	}
}
