package cloudevent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// ErrInvalidSignature is returned when a signature is missing or wrong.
var ErrInvalidSignature = errors.New("invalid event signature")

// Sign computes the "sha256=<hex>" signature of body.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body in constant time.
func Verify(body []byte, signature, key string) error {
	if signature == "" {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(Sign(body, key)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Decode reads an event already read from an HTTP request. Structured mode
// (application/cloudevents+json) carries the whole envelope in the body;
// binary mode carries the attributes in Ce-* headers and the data as body.
func Decode(header http.Header, body []byte) (*CloudEvent, error) {
	mediaType, _, _ := mime.ParseMediaType(header.Get("Content-Type"))

	var event CloudEvent
	if mediaType == "application/cloudevents+json" {
		if err := json.Unmarshal(body, &event); err != nil {
			return nil, fmt.Errorf("malformed event: %w", err)
		}
	} else {
		event = CloudEvent{
			SpecVersion:     header.Get("Ce-Specversion"),
			Type:            header.Get("Ce-Type"),
			Source:          header.Get("Ce-Source"),
			Subject:         header.Get("Ce-Subject"),
			ID:              header.Get("Ce-Id"),
			DataContentType: mediaType,
			Data:            body,
		}
		if ts := header.Get("Ce-Time"); ts != "" {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("malformed Ce-Time: %w", err)
			}
			event.Time = t
		}
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}
