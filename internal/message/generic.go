package message

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Generic is a free-form record. Attributes become lookup keys; Body is
// carried opaquely.
type Generic struct {
	Correlation string            `json:"correlationId"`
	Attributes  map[string]string `json:"keys,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

func (Generic) MessageType() string { return TypeGeneric }

func (g Generic) CorrelationID() string { return g.Correlation }

func (g Generic) Keys() map[string]string {
	keys := make(map[string]string, len(g.Attributes)+1)
	for k, v := range g.Attributes {
		keys[k] = v
	}
	keys[CorrelationKey] = g.Correlation
	return keys
}

// Damaged wraps a message that failed processing so it can be parked on a
// plain queue instead of the damaged ledger.
type Damaged struct {
	Correlation   string            `json:"correlation_id"`
	OriginalQueue string            `json:"original_queue"`
	OriginalType  string            `json:"original_type"`
	OriginalKeys  map[string]string `json:"original_keys,omitempty"`
	Original      json.RawMessage   `json:"original"`
	Error         string            `json:"error"`
	Trace         string            `json:"trace,omitempty"`
	DamagedDate   int64             `json:"damaged_date"`
	RetryDate     int64             `json:"retry_date,omitempty"`
}

func (Damaged) MessageType() string { return TypeDamaged }

func (d Damaged) CorrelationID() string { return d.Correlation }

func (d Damaged) Keys() map[string]string {
	keys := map[string]string{
		CorrelationKey:   d.Correlation,
		"original_queue": d.OriginalQueue,
	}
	if v := d.OriginalKeys["gateway"]; v != "" {
		keys["gateway"] = v
	}
	if v := d.OriginalKeys["order_id"]; v != "" {
		keys["order_id"] = v
	}
	return keys
}

// RetryAt reports the requested retry time, zero when none was requested.
func (d Damaged) RetryAt() time.Time {
	if d.RetryDate <= 0 {
		return time.Time{}
	}
	return time.Unix(d.RetryDate, 0).UTC()
}

// Raw holds a payload whose type tag could not be rebuilt. It encodes back
// to the exact bytes it was read from, so it can be quarantined and replayed
// unchanged.
type Raw struct {
	Tag         string
	Correlation string
	Attributes  map[string]string
	Payload     []byte
}

func (r Raw) MessageType() string { return r.Tag }

func (r Raw) CorrelationID() string { return r.Correlation }

func (r Raw) Keys() map[string]string {
	keys := make(map[string]string, len(r.Attributes)+1)
	for k, v := range r.Attributes {
		keys[k] = v
	}
	keys[CorrelationKey] = r.Correlation
	return keys
}

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r.Payload) == 0 {
		return []byte("null"), nil
	}
	return r.Payload, nil
}

// SortedKeys returns the key names of msg in a stable order.
func SortedKeys(msg Message) []string {
	keys := msg.Keys()
	out := make([]string, 0, len(keys))
	for k := range keys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
