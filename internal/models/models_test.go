package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(JobStatusPending, JobStatusRunning))
	assert.True(t, CanTransition(JobStatusRunning, JobStatusPaused))
	assert.True(t, CanTransition(JobStatusPaused, JobStatusRunning))
	assert.True(t, CanTransition(JobStatusRunning, JobStatusCompleted))
	assert.False(t, CanTransition(JobStatusPending, JobStatusCompleted))
	assert.False(t, CanTransition(JobStatusPaused, JobStatusCompleted))

	for _, terminal := range []JobStatus{JobStatusCompleted, JobStatusFailed} {
		assert.True(t, terminal.IsTerminal())
		for _, to := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusPaused, JobStatusCompleted, JobStatusFailed} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0.0, BatchJob{}.Progress())
	assert.Equal(t, 0.5, BatchJob{TotalImages: 4, ProcessedImages: 2}.Progress())
}

func TestParseJobMode(t *testing.T) {
	mode, err := ParseJobMode("")
	assert.NoError(t, err)
	assert.Equal(t, JobModeFast, mode)

	mode, err = ParseJobMode("economy")
	assert.NoError(t, err)
	assert.Equal(t, JobModeEconomy, mode)

	_, err = ParseJobMode("turbo")
	assert.Error(t, err)
}

func TestRatingValidate(t *testing.T) {
	conf := 0.8
	assert.NoError(t, Rating{ImageID: "a", StarRating: 5, ColorLabel: ColorLabelGreen, AIConfidence: &conf}.Validate())
	assert.Error(t, Rating{ImageID: "a", StarRating: 6, ColorLabel: ColorLabelGreen}.Validate())
	assert.Error(t, Rating{ImageID: "a", StarRating: 3, ColorLabel: "orange"}.Validate())
	assert.Error(t, Rating{StarRating: 3, ColorLabel: ColorLabelNone}.Validate())

	bad := 1.5
	assert.Error(t, Rating{ImageID: "a", StarRating: 3, ColorLabel: ColorLabelNone, AIConfidence: &bad}.Validate())
}

func TestLedgerSigned(t *testing.T) {
	assert.Equal(t, int64(40), LedgerEntry{EntryType: LedgerEntryCredit, Credits: 40}.Signed())
	assert.Equal(t, int64(-40), LedgerEntry{EntryType: LedgerEntryDebit, Credits: 40}.Signed())
}
