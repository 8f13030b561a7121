package domain

import (
	"context"
	"time"
)

// Delivery is one notification handed over by a transport. Exactly one of Ack
// or Nack should be called once processing reaches a terminal outcome; a nil
// callback means the transport needs no acknowledgement.
type Delivery struct {
	ID          string
	Payload     []byte
	Attributes  map[string]string
	Source      string
	PublishTime time.Time
	Attempt     int
	Ack         func(ctx context.Context) error
	Nack        func(ctx context.Context) error
}

// Target names the destination table.
type Target struct {
	Project string
	Dataset string
	Table   string
}

// String renders the target as "dataset.table", prefixed by "project:" when set.
func (t Target) String() string {
	s := t.Dataset + "." + t.Table
	if t.Project != "" {
		return t.Project + ":" + s
	}
	return s
}
