package models

import "time"

type LedgerEntryType string

const (
	LedgerEntryCredit LedgerEntryType = "credit"
	LedgerEntryDebit  LedgerEntryType = "debit"
)

type LedgerMetadata struct {
	ProviderID      string `json:"providerId,omitempty"`
	ShootID         string `json:"shootId,omitempty"`
	JobID           string `json:"jobId,omitempty"`
	ImagesProcessed int    `json:"imagesProcessed,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// LedgerEntry is append-only. Credits is a magnitude; the sign comes from EntryType.
type LedgerEntry struct {
	ID        string
	UserID    string
	EntryType LedgerEntryType
	Credits   int64
	Metadata  *LedgerMetadata
	CreatedAt time.Time
}

func (e LedgerEntry) Signed() int64 {
	if e.EntryType == LedgerEntryDebit {
		return -e.Credits
	}
	return e.Credits
}
