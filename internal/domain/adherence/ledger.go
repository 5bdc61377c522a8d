package adherence

import "sort"

// PatientLedger groups one patient's dose records by drug name.
// A ledger is sealed once built; accessors hand out copies.
type PatientLedger struct {
	patientID string
	doses     map[string][]DoseRecord
	drugs     []string
	doseCount int
}

// PatientID returns the ledger's patient
func (l *PatientLedger) PatientID() string { return l.patientID }

// DoseCount returns the number of records across all drugs
func (l *PatientLedger) DoseCount() int { return l.doseCount }

// Drugs returns the drug names in sorted order.
func (l *PatientLedger) Drugs() []string {
	out := make([]string, len(l.drugs))
	copy(out, l.drugs)
	return out
}

// Doses returns a copy of the records for drug in ingestion order.
func (l *PatientLedger) Doses(drug string) []DoseRecord {
	src := l.doses[drug]
	out := make([]DoseRecord, len(src))
	copy(out, src)
	return out
}

// LedgerBuilder folds dose records into patient ledgers.
type LedgerBuilder struct {
	ledgers map[string]*PatientLedger
	seq     int
	sealed  bool
}

// NewLedgerBuilder creates an empty builder
func NewLedgerBuilder() *LedgerBuilder {
	return &LedgerBuilder{ledgers: make(map[string]*PatientLedger)}
}

// Add validates d, stamps its ingestion sequence and appends it to the
// patient's ledger under its drug.
func (b *LedgerBuilder) Add(d DoseRecord) error {
	if b.sealed {
		return ErrLedgerSealed
	}
	if err := d.Validate(); err != nil {
		return err
	}

	d.Seq = b.seq
	b.seq++

	ledger, ok := b.ledgers[d.PatientID]
	if !ok {
		ledger = &PatientLedger{
			patientID: d.PatientID,
			doses:     make(map[string][]DoseRecord),
		}
		b.ledgers[d.PatientID] = ledger
	}
	if _, ok := ledger.doses[d.DrugName]; !ok {
		ledger.drugs = append(ledger.drugs, d.DrugName)
	}
	ledger.doses[d.DrugName] = append(ledger.doses[d.DrugName], d)
	ledger.doseCount++
	return nil
}

// Len returns the number of patients seen so far
func (b *LedgerBuilder) Len() int { return len(b.ledgers) }

// Build seals the builder and returns the ledgers keyed by patient id.
func (b *LedgerBuilder) Build() map[string]*PatientLedger {
	b.sealed = true
	for _, l := range b.ledgers {
		sort.Strings(l.drugs)
	}
	return b.ledgers
}
