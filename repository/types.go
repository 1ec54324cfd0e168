package repository

import (
	"github.com/cepro/skylinecontroller/config"
	"github.com/cepro/skylinecontroller/telemetry"
)

// settingsID is the primary key of the single settings row.
const settingsID = 1

// StoredSettings represents the excess power controller tunables persisted to the SQLite database. There is only ever one row.
type StoredSettings struct {
	ID uint `gorm:"primaryKey"`
	config.ExcessConfig
}

// StoredFeedInCommit represents a committed feed in limit that is persisted to the SQLite database.
type StoredFeedInCommit struct {
	telemetry.FeedInCommit
}

func newStoredSettings(settings config.ExcessConfig) *StoredSettings {
	return &StoredSettings{
		ID:           settingsID,
		ExcessConfig: settings,
	}
}

func newStoredFeedInCommit(commit telemetry.FeedInCommit) *StoredFeedInCommit {
	return &StoredFeedInCommit{
		FeedInCommit: commit,
	}
}
