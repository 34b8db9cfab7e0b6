package monitor

import "github.com/celarini/corvo/internal/fingerprint"

// Outcome classifies what happened to one game in a cycle
type Outcome string

const (
	OutcomeMissing        Outcome = "missing"
	OutcomeUnchanged      Outcome = "unchanged"
	OutcomeWouldBackup    Outcome = "would_backup"
	OutcomeDelivered      Outcome = "delivered"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeFailed         Outcome = "failed"
)

// ItemResult is the per-game result of a cycle
type ItemResult struct {
	Game        string
	Outcome     Outcome
	Fingerprint fingerprint.Fingerprint
	Skipped     int // unreadable files left out of the fingerprint
	Entries     int
	Bytes       int64
	Excluded    int  // files dropped by the size cap
	Recorded    bool // fingerprint committed to the checksum store
	Err         error
}

// Failed reports whether the game needs operator attention
func (r ItemResult) Failed() bool {
	return r.Outcome == OutcomeFailed || r.Outcome == OutcomeDeliveryFailed || r.Err != nil
}
