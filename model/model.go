// Package model defines the typed payloads of the built-in entity types and
// registers their codecs.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

// Entity types handled by this package.
const (
	TypeLocation synckit.EntityType = "location"
	TypeProfile  synckit.EntityType = "profile"
	TypeSettings synckit.EntityType = "settings"
)

// Location is a geotagged place. Timestamps are Unix milliseconds.
type Location struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	Address     string   `json:"address,omitempty"`
	Category    string   `json:"category,omitempty"`
	Rating      float64  `json:"rating"`
	Photos      []string `json:"photos,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	CreatedAt   int64    `json:"created_at,omitempty"`
	UpdatedAt   int64    `json:"updated_at,omitempty"`
}

func (l *Location) Validate() error {
	var errs []error
	if strings.TrimSpace(l.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if l.Latitude < -90 || l.Latitude > 90 {
		errs = append(errs, fmt.Errorf("latitude %g out of range", l.Latitude))
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		errs = append(errs, fmt.Errorf("longitude %g out of range", l.Longitude))
	}
	if l.Rating < 0 || l.Rating > 5 {
		errs = append(errs, fmt.Errorf("rating %g out of range", l.Rating))
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy.
func (l Location) Clone() (Location, error) {
	return codec.Clone(l)
}

// Profile is a user's public profile.
type Profile struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	FullName    string `json:"full_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
}

func (p *Profile) Validate() error {
	var errs []error
	if p.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if strings.TrimSpace(p.Username) == "" {
		errs = append(errs, errors.New("username is required"))
	}
	return errors.Join(errs...)
}

// Settings holds per-user application preferences.
type Settings struct {
	NotificationsEnabled    bool   `json:"notifications_enabled"`
	DarkModeEnabled         bool   `json:"dark_mode_enabled"`
	Language                string `json:"language"`
	LocationTrackingEnabled bool   `json:"location_tracking_enabled"`
	DataBackupEnabled       bool   `json:"data_backup_enabled"`
	LastSyncTimestamp       int64  `json:"last_sync_timestamp,omitempty"`
}

func (s *Settings) Validate() error {
	if s.Language == "" {
		return errors.New("language is required")
	}
	return nil
}

// DefaultSettings mirrors a fresh install.
func DefaultSettings() Settings {
	return Settings{
		NotificationsEnabled:    true,
		Language:                "en",
		LocationTrackingEnabled: true,
		DataBackupEnabled:       true,
	}
}

// Register adds the codecs of the built-in types to r.
func Register(r *codec.Registry) {
	r.Register(codec.NewJSONCodec[Location](string(TypeLocation)))
	r.Register(codec.NewJSONCodec[Profile](string(TypeProfile)))
	r.Register(codec.NewJSONCodec[Settings](string(TypeSettings)))
	r.Register(codec.NewJSONCodec[Review](string(TypeReview)))
	r.Register(codec.NewJSONCodec[Favorite](string(TypeFavorite)))
}

// NewRegistry returns a registry holding the built-in codecs.
func NewRegistry() *codec.Registry {
	r := codec.NewRegistry()
	Register(r)
	return r
}
