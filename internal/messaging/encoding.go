// Package messaging carries settlement events and notification tasks to the
// rest of the platform over Kafka and RabbitMQ.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yourorg/payment-reconciler/internal/payment"
)

// Encoding selects the wire format of published events.
type Encoding string

const (
	EncodingJSON     Encoding = "json"
	EncodingProtobuf Encoding = "protobuf"
)

// ContentType returns the MIME type recorded in message headers.
func (e Encoding) ContentType() string {
	if e == EncodingProtobuf {
		return "application/x-protobuf"
	}
	return "application/json"
}

// EncodeEvent serialises ev. The protobuf form is a google.protobuf.Struct
// holding the same fields as the JSON form, so consumers need no generated code.
func EncodeEvent(ev payment.Event, enc Encoding) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal event: %w", err)
	}
	switch enc {
	case EncodingJSON, "":
		return b, nil
	case EncodingProtobuf:
		var fields map[string]interface{}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, fmt.Errorf("messaging: event to map: %w", err)
		}
		s, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("messaging: event to struct: %w", err)
		}
		return proto.Marshal(s)
	}
	return nil, fmt.Errorf("messaging: unknown encoding %q", enc)
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(b []byte, enc Encoding) (payment.Event, error) {
	var ev payment.Event
	switch enc {
	case EncodingJSON, "":
		if err := json.Unmarshal(b, &ev); err != nil {
			return ev, fmt.Errorf("messaging: unmarshal event: %w", err)
		}
		return ev, nil
	case EncodingProtobuf:
		var s structpb.Struct
		if err := proto.Unmarshal(b, &s); err != nil {
			return ev, fmt.Errorf("messaging: unmarshal struct: %w", err)
		}
		fields := s.AsMap()
		ev = payment.Event{
			ID:            str(fields["id"]),
			Type:          str(fields["type"]),
			TransactionID: str(fields["transaction_id"]),
			Reference:     str(fields["reference"]),
			PayerID:       str(fields["payer_id"]),
			CorrelationID: str(fields["correlation_id"]),
			Purpose:       payment.Purpose(str(fields["purpose"])),
			Provider:      str(fields["provider"]),
			State:         payment.State(str(fields["state"])),
			Amount:        num(fields["amount"]),
			Fee:           num(fields["fee"]),
			Currency:      str(fields["currency"]),
			Reason:        str(fields["reason"]),
		}
		if at := str(fields["occurred_at"]); at != "" {
			t, err := time.Parse(time.RFC3339Nano, at)
			if err != nil {
				return ev, fmt.Errorf("messaging: occurred_at: %w", err)
			}
			ev.OccurredAt = t
		}
		return ev, nil
	}
	return ev, fmt.Errorf("messaging: unknown encoding %q", enc)
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// Struct numbers are float64; amounts are whole minor units.
func num(v interface{}) int64 {
	f, _ := v.(float64)
	return int64(f)
}
