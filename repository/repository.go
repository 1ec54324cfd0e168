package repository

import (
	"errors"
	"fmt"

	"github.com/cepro/skylinecontroller/config"
	"github.com/cepro/skylinecontroller/telemetry"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Repository stores the controller settings and a log of committed feed in limits to the local file system (sqlite).
type Repository struct {
	db *gorm.DB
}

func New(path string) (*Repository, error) {

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Migrate the schema
	err = db.AutoMigrate(&StoredSettings{}, &StoredFeedInCommit{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db: db,
	}, nil
}

// SaveSettings stores the excess power controller tunables, replacing any that were previously saved.
func (r *Repository) SaveSettings(settings config.ExcessConfig) error {
	result := r.db.Save(newStoredSettings(settings))
	return result.Error
}

// LoadSettings returns the saved excess power controller tunables. The bool is false if nothing has been saved yet.
func (r *Repository) LoadSettings() (config.ExcessConfig, bool, error) {
	var stored StoredSettings
	result := r.db.First(&stored, settingsID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return config.ExcessConfig{}, false, nil
	}
	if result.Error != nil {
		return config.ExcessConfig{}, false, result.Error
	}
	return stored.ExcessConfig, true, nil
}

func (r *Repository) AddFeedInCommit(commit telemetry.FeedInCommit) error {
	result := r.db.Create(newStoredFeedInCommit(commit))
	return result.Error
}

// GetFeedInCommits returns up to `limit` of the most recent feed in commits, newest first.
func (r *Repository) GetFeedInCommits(limit int) ([]StoredFeedInCommit, error) {
	var commits []StoredFeedInCommit

	result := r.db.Limit(limit).Order("time desc").Find(&commits)
	if result.Error != nil {
		return nil, result.Error
	}
	return commits, nil
}

// DeleteFeedInCommitsBefore removes feed in commits older than the given commit, so that the log does not grow forever.
func (r *Repository) DeleteFeedInCommitsBefore(commit StoredFeedInCommit) error {
	result := r.db.Where("time < ?", commit.Time).Delete(&StoredFeedInCommit{})
	return result.Error
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
