package domain

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// notificationPayload is the body published by the curated-bucket trigger.
// Name is the field used by native GCS object notifications.
type notificationPayload struct {
	Location *string `json:"location"`
	Bucket   *string `json:"bucket"`
	Filename *string `json:"filename"`
	Name     *string `json:"name"`
}

// DecodeNotification extracts the file locator from a notification payload.
//
// "location" wins when present. Otherwise a "bucket" plus "filename" (or "name")
// pair is read as a GCS object. A missing, null or empty reference yields
// ErrNoLocation; a payload that is not a JSON object yields ErrMalformedNotification.
func DecodeNotification(payload []byte) (Locator, error) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Locator{}, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
	}

	if loc := deref(p.Location); loc != "" {
		return ParseLocation(loc)
	}

	bucket := deref(p.Bucket)
	name := deref(p.Filename)
	if name == "" {
		name = deref(p.Name)
	}
	if bucket != "" && name != "" {
		return Locator{Scheme: SchemeGCS, Bucket: bucket, Path: strings.TrimPrefix(name, "/")}, nil
	}
	return Locator{}, ErrNoLocation
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
