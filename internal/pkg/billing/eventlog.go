package billing

import (
	"encoding/json"
	"time"
)

// EventMeta is the metadata attached to one audit-trail entry. Known event
// shapes get typed fields; anything a provider sends that we do not model
// yet is preserved verbatim in Other, so the log never loses information.
type EventMeta struct {
	Provider          string     `json:"provider,omitempty"`
	EventType         string     `json:"event_type,omitempty"`
	ProductID         string     `json:"product_id,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	PreviousStatus    string     `json:"previous_status,omitempty"`
	NewStatus         string     `json:"new_status,omitempty"`
	CancelAtPeriodEnd *bool      `json:"cancel_at_period_end,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	Amount            string     `json:"amount,omitempty"`
	Currency          string     `json:"currency,omitempty"`

	// Other carries provider payload fragments with no typed field.
	Other json.RawMessage `json:"other,omitempty"`
}

// Encode marshals the metadata for storage in the JSON column. Encoding
// failures degrade to an empty object rather than losing the event row.
func (m EventMeta) Encode() string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeEventMeta parses a stored metadata column.
func DecodeEventMeta(raw string) (EventMeta, error) {
	var m EventMeta
	if raw == "" {
		return m, nil
	}
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}
