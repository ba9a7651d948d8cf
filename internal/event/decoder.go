package event

import (
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Decoder turns raw wire bytes into typed events. Failures on individual
// payloads are logged and skipped; a bad payload never aborts its batch.
type Decoder struct {
	registry *Registry
	logger   *zap.Logger
}

// NewDecoder creates a decoder over the given registry.
func NewDecoder(registry *Registry, logger *zap.Logger) *Decoder {
	return &Decoder{registry: registry, logger: logger}
}

// DecodeOne decodes a single raw payload.
func (d *Decoder) DecodeOne(data []byte) (Event, error) {
	p, err := ParsePayload(data)
	if err != nil {
		return nil, err
	}
	return d.registry.Decode(p)
}

// DecodeBatch decodes a JSON array of payloads, preserving wire-arrival
// order. Payloads that fail to parse or decode are logged and skipped so
// the rest of the batch survives.
func (d *Decoder) DecodeBatch(data []byte) []Event {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		if evt, err := d.DecodeOne(data); err != nil {
			d.logSkip(err)
		} else {
			return []Event{evt}
		}
		return nil
	}

	var events []Event
	for _, item := range parsed.Array() {
		evt, err := d.DecodeOne([]byte(item.Raw))
		if err != nil {
			d.logSkip(err)
			continue
		}
		events = append(events, evt)
	}
	return events
}

func (d *Decoder) logSkip(err error) {
	d.logger.Warn("skipping undecodable event", zap.Error(err))
}
