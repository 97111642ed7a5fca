package model

import (
	"encoding/json"
	"errors"
)

// CallbackEnvelope is the wire shape Daraja posts to the callback URL:
// { Body: { stkCallback: { ... } } }.
type CallbackEnvelope struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is one Name/Value pair from the success metadata list. Daraja
// mixes numeric and string values, so Value stays raw until extraction.
type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

func (c *StkCallback) Validate() error {
	if c == nil {
		return errors.New("stkCallback is missing")
	}
	if c.CheckoutRequestID == "" {
		return errors.New("CheckoutRequestID is missing")
	}
	return nil
}

// String returns the metadata item with the given name as a string, with
// ok=false when the item is absent or not a JSON string.
func (m *CallbackMetadata) String(name string) (string, bool) {
	raw, ok := m.lookup(name)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Amount returns a numeric metadata item. Daraja sends amounts as JSON
// numbers, sometimes with a fractional part.
func (m *CallbackMetadata) Amount(name string) (float64, bool) {
	raw, ok := m.lookup(name)
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// Phone returns a phone-number item, which Daraja delivers either as a
// number (254712345678) or a string.
func (m *CallbackMetadata) Phone(name string) (string, bool) {
	if s, ok := m.String(name); ok {
		return s, true
	}
	raw, ok := m.lookup(name)
	if !ok {
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}

func (m *CallbackMetadata) lookup(name string) (json.RawMessage, bool) {
	if m == nil {
		return nil, false
	}
	for _, item := range m.Item {
		if item.Name == name && len(item.Value) > 0 {
			return item.Value, true
		}
	}
	return nil, false
}
