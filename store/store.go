// Package store provides database access to persisted dialogs. A Store
// fronts a Driver with an in-memory active-dialog cache so the agent keeps
// appending to the same conversation between requests.
package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/dialogstack/conductor/dialog"
	"github.com/dialogstack/conductor/internal/profile"
)

// FindDialog filters dialog listings. Nil fields match everything.
type FindDialog struct {
	UserExternalID *string
	Active         *bool

	Offset int
	Limit  int
}

// DialogSummary is the listing row: identity plus turn count, without the
// utterance bodies.
type DialogSummary struct {
	ID             string    `json:"dialog_id"`
	UserExternalID string    `json:"user_external_id"`
	ChannelType    string    `json:"channel_type"`
	Active         bool      `json:"active"`
	StartedAt      time.Time `json:"date_start"`
	UtteranceCount int       `json:"utterance_count"`
}

// Driver is the database-specific access layer.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate creates the schema when it is missing.
	Migrate(ctx context.Context) error

	// GetDialog loads one dialog with all utterances; nil when unknown.
	GetDialog(ctx context.Context, id string) (*dialog.Dialog, error)

	// GetActiveDialog loads the user's open dialog; nil when there is none.
	GetActiveDialog(ctx context.Context, userExternalID string) (*dialog.Dialog, error)

	// UpsertDialog writes the dialog row and every utterance. Utterances
	// are keyed by utt_id, so re-saving a grown dialog is idempotent.
	UpsertDialog(ctx context.Context, d *dialog.Dialog) error

	ListDialogs(ctx context.Context, find *FindDialog) ([]*DialogSummary, error)
	SetDialogRating(ctx context.Context, dialogID string, rating float64) error
	SetUtteranceRating(ctx context.Context, uttID string, rating float64) error
}

// Store fronts the driver for the agent and the HTTP surface.
type Store struct {
	profile *profile.Profile
	driver  Driver

	mu     sync.Mutex
	active map[string]*dialog.Dialog // user_external_id -> open dialog
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		active:  map[string]*dialog.Dialog{},
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// GetOrCreateDialog returns the user's open dialog, loading it from the
// database on a cache miss and starting a fresh one when none exists.
func (s *Store) GetOrCreateDialog(ctx context.Context, userExternalID, channelType string) (*dialog.Dialog, error) {
	s.mu.Lock()
	if d, ok := s.active[userExternalID]; ok && d.Active {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	d, err := s.driver.GetActiveDialog(ctx, userExternalID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d = dialog.New(userExternalID, channelType)
	}

	s.mu.Lock()
	s.active[userExternalID] = d
	s.mu.Unlock()
	return d, nil
}

// DropActiveDialog closes and persists the user's open dialog. Returns the
// closed dialog id, empty when there was nothing to close.
func (s *Store) DropActiveDialog(ctx context.Context, userExternalID string) (string, error) {
	s.mu.Lock()
	d := s.active[userExternalID]
	delete(s.active, userExternalID)
	s.mu.Unlock()

	if d == nil {
		var err error
		if d, err = s.driver.GetActiveDialog(ctx, userExternalID); err != nil {
			return "", err
		}
		if d == nil {
			return "", nil
		}
	}

	d.Close(time.Now().UTC())
	if err := s.driver.UpsertDialog(ctx, d); err != nil {
		return "", err
	}
	return d.ID, nil
}

// SaveDialog persists the dialog as it currently stands.
func (s *Store) SaveDialog(ctx context.Context, d *dialog.Dialog) error {
	return s.driver.UpsertDialog(ctx, d)
}

func (s *Store) GetDialog(ctx context.Context, id string) (*dialog.Dialog, error) {
	return s.driver.GetDialog(ctx, id)
}

func (s *Store) ListDialogs(ctx context.Context, find *FindDialog) ([]*DialogSummary, error) {
	return s.driver.ListDialogs(ctx, find)
}

func (s *Store) SetDialogRating(ctx context.Context, dialogID string, rating float64) error {
	return s.driver.SetDialogRating(ctx, dialogID, rating)
}

func (s *Store) SetUtteranceRating(ctx context.Context, uttID string, rating float64) error {
	return s.driver.SetUtteranceRating(ctx, uttID, rating)
}
