package progress

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const SubjectPrefix = "conversion.progress."

// NATSSink publishes snapshots as JSON on conversion.progress.<id>.
type NATSSink struct {
	conn *nats.Conn
}

func NewNATSSink(conn *nats.Conn) *NATSSink {
	return &NATSSink{conn: conn}
}

func Subject(id string) string {
	return SubjectPrefix + id
}

func (s *NATSSink) PublishProgress(snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := s.conn.Publish(Subject(snap.ID), payload); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}
