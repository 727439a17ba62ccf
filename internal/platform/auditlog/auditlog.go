// Package auditlog seals lifecycle audit events into a hash chain.
//
// Every event's digest is a SHA-256 over its canonical JSON, which includes
// the digest of the previous event. A chain is intact when each event links
// to its predecessor and its digest still matches its content.
package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
)

// Genesis is the PrevDigest of the first event in a chain.
const Genesis = ""

var ErrBrokenChain = errors.New("audit chain broken")

// ChainError reports the first event that does not verify.
type ChainError struct {
	EventID int64
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s at event %d: %s", ErrBrokenChain, e.EventID, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrBrokenChain }

// Seal normalizes and validates event, links it to prev and fills Digest.
func Seal(prev string, event domain.AuditEvent, now time.Time) (domain.AuditEvent, error) {
	event = event.Normalize(now)
	if err := event.Validate(); err != nil {
		return domain.AuditEvent{}, err
	}
	event.PrevDigest = prev
	digest, err := Digest(event)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	event.Digest = digest
	return event, nil
}

// Digest computes the chain digest of event. EventID and Digest itself are
// not covered; the id is assigned by the store after sealing.
func Digest(event domain.AuditEvent) (string, error) {
	payload := event.Payload
	if payload == nil {
		payload = domain.Metadata{}
	}
	blob, err := json.Marshal(struct {
		Prev         string          `json:"prev"`
		OccurredAt   string          `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		Payload      domain.Metadata `json:"payload"`
	}{
		Prev:         event.PrevDigest,
		OccurredAt:   event.OccurredAt.UTC().Format(time.RFC3339Nano),
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		Payload:      payload,
	})
	if err != nil {
		return "", fmt.Errorf("marshal audit event: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks events in append order, starting from the chain head prev.
// It returns the digest of the last event so callers can verify in pages.
func Verify(prev string, events []domain.AuditEvent) (string, error) {
	for _, event := range events {
		if event.PrevDigest != prev {
			return prev, &ChainError{EventID: event.EventID, Reason: "link does not match previous digest"}
		}
		digest, err := Digest(event)
		if err != nil {
			return prev, err
		}
		if digest != event.Digest {
			return prev, &ChainError{EventID: event.EventID, Reason: "content does not match digest"}
		}
		prev = digest
	}
	return prev, nil
}
