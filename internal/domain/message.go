package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority ranks one alert message for policy and routing decisions.
// Params: low/normal/high/critical/emergency constants.
// Returns: ordered priority class for quiet-hours bypass.
type Priority string

const (
	// PriorityLow marks informational messages.
	PriorityLow Priority = "low"
	// PriorityNormal marks default messages.
	PriorityNormal Priority = "normal"
	// PriorityHigh marks messages that should reach the recipient soon.
	PriorityHigh Priority = "high"
	// PriorityCritical marks messages that bypass quiet hours.
	PriorityCritical Priority = "critical"
	// PriorityEmergency marks life-safety messages that bypass quiet hours.
	PriorityEmergency Priority = "emergency"
)

// priorityRank maps priority names to comparable weight.
var priorityRank = map[Priority]int{
	PriorityLow:       0,
	PriorityNormal:    1,
	PriorityHigh:      2,
	PriorityCritical:  3,
	PriorityEmergency: 4,
}

// Valid reports whether priority is a known class.
// Params: none.
// Returns: true for recognized priority names.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Bypasses reports whether priority overrides quiet-hours suppression.
// Params: none.
// Returns: true for critical and emergency messages.
func (p Priority) Bypasses() bool {
	return p == PriorityCritical || p == PriorityEmergency
}

// Location carries optional physical context of one alert.
// Params: building/floor/zone labels and optional coordinates.
// Returns: location payload embedded in alert messages.
type Location struct {
	Building  string   `json:"building,omitempty"`
	Floor     string   `json:"floor,omitempty"`
	Zone      string   `json:"zone,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Media lists pre-rendered attachments of one alert.
// Params: absolute URLs per media kind.
// Returns: media payload embedded in alert messages.
type Media struct {
	PhotoURLs []string `json:"photo_urls,omitempty"`
	VideoURLs []string `json:"video_urls,omitempty"`
	AudioURLs []string `json:"audio_urls,omitempty"`
}

// AlertMessage is one immutable emergency/incident notification unit.
// Params: identity, rendered content, priority, and optional context.
// Returns: dispatch input retained in the ledger for audit.
type AlertMessage struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  Priority          `json:"priority"`
	Scenario  string            `json:"scenario,omitempty"`
	Location  *Location         `json:"location,omitempty"`
	Media     *Media            `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// Expired reports whether message expiry deadline has passed.
// Params: now is evaluation time.
// Returns: true when expires_at is set and not after now.
func (m AlertMessage) Expired(now time.Time) bool {
	if m.ExpiresAt == nil {
		return false
	}
	return !m.ExpiresAt.After(now)
}

// Validate validates one alert message against the contract.
// Params: message fields parsed from transport or built by caller.
// Returns: validation error when contract is violated.
func (m AlertMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(m.Title) == "" {
		return errors.New("title is required")
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("unsupported priority %q", m.Priority)
	}
	if m.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// NewMessageID generates one unique alert message identifier.
// Params: none.
// Returns: UUID string for caller-less id assignment.
func NewMessageID() string {
	return uuid.NewString()
}

// DecodeMessage decodes and validates one alert message payload.
// Params: JSON document bytes; now fills missing id/timestamp.
// Returns: validated message or decode/validation error.
func DecodeMessage(raw []byte, now time.Time) (AlertMessage, error) {
	var message AlertMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return AlertMessage{}, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(message.ID) == "" {
		message.ID = NewMessageID()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = now
	}
	if err := message.Validate(); err != nil {
		return AlertMessage{}, err
	}
	return message, nil
}
