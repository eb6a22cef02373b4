// Package cloudevent reads CloudEvents 1.0 from HTTP requests and checks
// their HMAC signatures.
package cloudevent

import (
	"encoding/json"
	"errors"
	"time"
)

// SpecVersion is the only CloudEvents version accepted.
const SpecVersion = "1.0"

// CloudEvent represents a CloudEvents 1.0 specification event.
type CloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject,omitempty"`
	ID              string          `json:"id"`
	Time            time.Time       `json:"time,omitzero"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// New creates a CloudEvent with data encoded as JSON.
func New(eventType, source, subject, id string, data any) (*CloudEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            raw,
	}, nil
}

// Validate checks the required context attributes.
func (e *CloudEvent) Validate() error {
	switch {
	case e.SpecVersion != SpecVersion:
		return errors.New("unsupported specversion " + e.SpecVersion)
	case e.ID == "":
		return errors.New("id is required")
	case e.Source == "":
		return errors.New("source is required")
	case e.Type == "":
		return errors.New("type is required")
	}
	return nil
}

// DecodeData unmarshals the event's data into v.
func (e *CloudEvent) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return errors.New("event has no data")
	}
	return json.Unmarshal(e.Data, v)
}
