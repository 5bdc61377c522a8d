package adherence

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDose indicates a dose record that violates DoseRecord invariants
	ErrInvalidDose = errors.New("invalid dose record")

	// ErrEmptyDoseList indicates a coverage calendar requested for no doses
	ErrEmptyDoseList = errors.New("empty dose list")

	// ErrMixedDoseList indicates a dose list spanning several patients or drugs
	ErrMixedDoseList = errors.New("dose list spans multiple patients or drugs")

	// ErrNoDrugs indicates an aggregate requested for a patient without drugs
	ErrNoDrugs = errors.New("patient has no drugs")

	// ErrLedgerSealed is returned by LedgerBuilder.Add after Build
	ErrLedgerSealed = errors.New("ledger builder already built")
)

// InvariantError reports a contract breach detected while computing one
// patient. It is fatal for that patient only.
type InvariantError struct {
	PatientID string
	Drug      string
	Err       error
}

func (e *InvariantError) Error() string {
	if e.Drug != "" {
		return fmt.Sprintf("invariant violation: patient %q drug %q: %v", e.PatientID, e.Drug, e.Err)
	}
	return fmt.Sprintf("invariant violation: patient %q: %v", e.PatientID, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// IsInvariantViolation reports whether err carries an InvariantError.
func IsInvariantViolation(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
