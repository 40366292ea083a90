package ids

import "github.com/segmentio/ksuid"

// New returns a time-sortable identifier used for jobs, ledger entries and device sessions.
func New() string {
	return ksuid.New().String()
}
