package types

import (
	"fmt"
	"path"
	"strings"
)

// FolderMode determines how the routing folder of an object is derived from its key
type FolderMode string

const (
	// FolderModeParent uses the immediate parent directory of the key, e.g. "a/b" for "a/b/c.log"
	FolderModeParent FolderMode = "parent"
	// FolderModeFirstSegment uses the first path segment after an optional prefix, e.g. "a" for "a/b/c.log"
	FolderModeFirstSegment FolderMode = "first_segment"
)

func (m FolderMode) Validate() error {
	switch m {
	case FolderModeParent, FolderModeFirstSegment:
		return nil
	}
	return fmt.Errorf("invalid folder mode '%s': expected '%s' or '%s'", m, FolderModeParent, FolderModeFirstSegment)
}

// ObjectReference identifies an object announced by a single notification record
type ObjectReference struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	Folder string `json:"folder"`
}

func NewObjectReference(bucket, key string, size int64, mode FolderMode, prefix string) ObjectReference {
	return ObjectReference{
		Bucket: bucket,
		Key:    key,
		Size:   size,
		Folder: ObjectFolder(key, mode, prefix),
	}
}

func (r ObjectReference) String() string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Key)
}

// ObjectFolder returns the routing folder for a key
// keys with no directory component have an empty folder
func ObjectFolder(key string, mode FolderMode, prefix string) string {
	switch mode {
	case FolderModeFirstSegment:
		rest := strings.TrimPrefix(key, prefix)
		idx := strings.Index(rest, "/")
		if idx <= 0 {
			return ""
		}
		return rest[:idx]
	default:
		folder := path.Dir(key)
		if folder == "." || folder == "/" {
			return ""
		}
		return folder
	}
}
