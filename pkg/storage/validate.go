package storage

import (
	"encoding/json"
	"fmt"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
)

// CheckID validates id and wraps a failure in InvalidIDError.
func CheckID(id string) error {
	if err := conversation.ValidateID(id); err != nil {
		return InvalidIDError{ID: id, Err: err}
	}
	return nil
}

// CheckRecord validates a record before it is written.
func CheckRecord(rec *conversation.Record) error {
	if rec == nil {
		return fmt.Errorf("cannot store nil record")
	}
	if err := CheckID(rec.ID); err != nil {
		return err
	}
	return rec.Validate()
}

// Encode renders a record as the indented, human-readable JSON document that
// every driver persists.
func Encode(rec *conversation.Record) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding chat '%s': %w", rec.ID, err)
	}
	return append(data, '\n'), nil
}

// Decode parses and validates a stored record document. The id the record
// was stored under wins over any id in the document body.
func Decode(id string, data []byte) (*conversation.Record, error) {
	var rec conversation.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, CorruptRecordError{ID: id, Err: err}
	}

	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID != id {
		return nil, CorruptRecordError{ID: id, Err: fmt.Errorf("document id %q does not match", rec.ID)}
	}
	if rec.Messages == nil {
		rec.Messages = []conversation.Turn{}
	}
	if err := rec.Validate(); err != nil {
		return nil, CorruptRecordError{ID: id, Err: err}
	}

	return &rec, nil
}
