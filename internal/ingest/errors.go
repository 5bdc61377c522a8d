// Package ingest reads dose records from delimited text or FHIR
// MedicationDispense exports and folds them into patient ledgers.
package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedDate     = errors.New("malformed date")
	ErrInvalidDaysSupply = errors.New("invalid days supply")
	ErrMissingField      = errors.New("missing required field")
	ErrMissingColumn     = errors.New("missing required column")
	ErrMalformedRecord   = errors.New("malformed record")
	ErrUnreadableSource  = errors.New("unreadable source")
)

// ParseError locates an ingestion failure in its source.
type ParseError struct {
	Source string
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	msg := e.Source
	if e.Line > 0 {
		msg = fmt.Sprintf("%s:%d", msg, e.Line)
	}
	if e.Column != "" {
		msg = fmt.Sprintf("%s: column %s", msg, e.Column)
	}
	if e.Value != "" {
		msg = fmt.Sprintf("%s: value %q", msg, e.Value)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
