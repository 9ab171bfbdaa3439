// Package wire encodes batches and stage requests in protobuf wire format.
//
// The layouts match these messages:
//
//	message Slot             { repeated bytes items = 1; }
//	message Batch            { repeated Slot slots = 1; }
//	message EvaluateRequest  { string instance_id = 1; repeated Slot slots = 2; }
//	message ConfigureRequest { string instance_id = 1; bytes metadata_json = 2; }
package wire

import (
	"errors"
	"fmt"

	"github.com/sugawarayuuta/sonnet"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kunal/buffer-router/pkg/stage"
)

var ErrMalformed = errors.New("malformed wire message")

const (
	slotItemsField       protowire.Number = 1
	batchSlotsField      protowire.Number = 1
	requestInstanceField protowire.Number = 1
	requestSlotsField    protowire.Number = 2
	requestMetadataField protowire.Number = 2
)

func appendSlot(b []byte, items [][]byte) []byte {
	var body []byte
	for _, it := range items {
		body = protowire.AppendTag(body, slotItemsField, protowire.BytesType)
		body = protowire.AppendBytes(body, it)
	}
	return protowire.AppendBytes(b, body)
}

func appendSlots(b []byte, field protowire.Number, slots [][][]byte) []byte {
	for _, items := range slots {
		b = protowire.AppendTag(b, field, protowire.BytesType)
		b = appendSlot(b, items)
	}
	return b
}

// MarshalBatch encodes slots[i][b], item b of slot i.
func MarshalBatch(slots [][][]byte) []byte {
	return appendSlots(nil, batchSlotsField, slots)
}

// UnmarshalBatch decodes a Batch. Items alias b.
func UnmarshalBatch(b []byte) ([][][]byte, error) {
	slots := [][][]byte{}
	err := walk(b, func(num protowire.Number, v []byte) error {
		if num != batchSlotsField {
			return nil
		}
		items, err := unmarshalSlot(v)
		if err != nil {
			return err
		}
		slots = append(slots, items)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func unmarshalSlot(b []byte) ([][]byte, error) {
	items := [][]byte{}
	err := walk(b, func(num protowire.Number, v []byte) error {
		if num == slotItemsField {
			items = append(items, v)
		}
		return nil
	})
	return items, err
}

// walk visits every length-delimited field and skips the rest.
func walk(b []byte, fn func(num protowire.Number, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}

// EvaluateRequest carries one batch for a router instance.
type EvaluateRequest struct {
	InstanceID string
	Slots      [][][]byte
}

func (r *EvaluateRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, requestInstanceField, protowire.BytesType)
	b = protowire.AppendString(b, r.InstanceID)
	return appendSlots(b, requestSlotsField, r.Slots)
}

func (r *EvaluateRequest) Unmarshal(b []byte) error {
	r.InstanceID, r.Slots = "", [][][]byte{}
	return walk(b, func(num protowire.Number, v []byte) error {
		switch num {
		case requestInstanceField:
			r.InstanceID = string(v)
		case requestSlotsField:
			items, err := unmarshalSlot(v)
			if err != nil {
				return err
			}
			r.Slots = append(r.Slots, items)
		}
		return nil
	})
}

// ConfigureRequest sets metadata on a router instance. Metadata travels as
// JSON so new descriptor fields need no wire change.
type ConfigureRequest struct {
	InstanceID string
	Metadata   stage.Metadata
}

func (r *ConfigureRequest) Marshal() ([]byte, error) {
	md, err := sonnet.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var b []byte
	b = protowire.AppendTag(b, requestInstanceField, protowire.BytesType)
	b = protowire.AppendString(b, r.InstanceID)
	b = protowire.AppendTag(b, requestMetadataField, protowire.BytesType)
	b = protowire.AppendBytes(b, md)
	return b, nil
}

func (r *ConfigureRequest) Unmarshal(b []byte) error {
	r.InstanceID, r.Metadata = "", stage.Metadata{}
	return walk(b, func(num protowire.Number, v []byte) error {
		switch num {
		case requestInstanceField:
			r.InstanceID = string(v)
		case requestMetadataField:
			if err := sonnet.Unmarshal(v, &r.Metadata); err != nil {
				return fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
			}
		}
		return nil
	})
}
