package domain

import (
	"fmt"
	"strings"
)

// Scheme names understood by the object stores.
const (
	SchemeGCS  = "gs"
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Locator identifies one fetchable blob.
type Locator struct {
	Scheme string
	Bucket string
	Path   string
}

// String renders the locator as "<scheme>://<bucket>/<path>".
func (l Locator) String() string {
	if l.Scheme == SchemeFile {
		return l.Scheme + "://" + l.Path
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Path
}

// ParseLocation splits a location such as "gs://bucket/dir/file.csv" into a Locator.
// Only the gs, s3 and file schemes are accepted. File locations keep their
// absolute path: "file:///tmp/a.csv" -> Path "/tmp/a.csv".
func ParseLocation(location string) (Locator, error) {
	location = strings.TrimSpace(location)
	scheme, rest, ok := strings.Cut(location, "://")
	if !ok || scheme == "" {
		return Locator{}, fmt.Errorf("%w: %q: missing scheme", ErrInvalidLocation, location)
	}
	scheme = strings.ToLower(scheme)

	switch scheme {
	case SchemeGCS, SchemeS3:
	case SchemeFile:
		if !strings.HasPrefix(rest, "/") || len(rest) < 2 {
			return Locator{}, fmt.Errorf("%w: %q: file path must be absolute", ErrInvalidLocation, location)
		}
		return Locator{Scheme: scheme, Path: rest}, nil
	default:
		return Locator{}, fmt.Errorf("%w: %q: unknown scheme %q", ErrInvalidLocation, location, scheme)
	}

	bucket, path, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Locator{}, fmt.Errorf("%w: %q: missing bucket", ErrInvalidLocation, location)
	}
	if path == "" {
		return Locator{}, fmt.Errorf("%w: %q: missing object path", ErrInvalidLocation, location)
	}
	return Locator{Scheme: scheme, Bucket: bucket, Path: path}, nil
}
