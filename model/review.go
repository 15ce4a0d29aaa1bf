package model

import (
	"context"
	"errors"
	"fmt"
	"iter"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

// Entity types of user contributions attached to a location.
const (
	TypeReview   synckit.EntityType = "review"
	TypeFavorite synckit.EntityType = "favorite"
)

// Review is a user's rating of a location. A user holds at most one review
// per location; see ReviewID.
type Review struct {
	LocationID string `json:"location_id"`
	UserID     string `json:"user_id"`
	Rating     int    `json:"rating"`
	Text       string `json:"text,omitempty"`
	CreatedAt  int64  `json:"created_at,omitempty"`
}

func (r *Review) Validate() error {
	var errs []error
	if r.LocationID == "" {
		errs = append(errs, errors.New("location_id is required"))
	}
	if r.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if r.Rating < 1 || r.Rating > 5 {
		errs = append(errs, fmt.Errorf("rating %d out of range", r.Rating))
	}
	return errors.Join(errs...)
}

// Favorite marks a location as saved by a user.
type Favorite struct {
	LocationID string `json:"location_id"`
	UserID     string `json:"user_id"`
	CreatedAt  int64  `json:"created_at,omitempty"`
}

func (f *Favorite) Validate() error {
	var errs []error
	if f.LocationID == "" {
		errs = append(errs, errors.New("location_id is required"))
	}
	if f.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	return errors.Join(errs...)
}

// ReviewID is the entity id of userID's review of locationID. Writing
// through it makes reviews upsert by (location, user).
func ReviewID(locationID, userID string) string {
	return locationID + ":" + userID
}

// FavoriteID is the entity id of userID's favorite of locationID.
func FavoriteID(locationID, userID string) string {
	return locationID + ":" + userID
}

// Querier reads local entities. *synckit.Repository and every
// synckit.LocalStore satisfy it.
type Querier interface {
	Query(ctx context.Context, entityType synckit.EntityType, filter synckit.Filter) iter.Seq2[*synckit.Entity, error]
}

// Writer is the part of *synckit.Repository used to record contributions.
type Writer interface {
	Read(ctx context.Context, entityType synckit.EntityType, id string) (*synckit.Entity, error)
	Write(ctx context.Context, entityType synckit.EntityType, m synckit.Mutation) (*synckit.Entity, error)
}

// PutReview creates or replaces the caller's review of a location.
func PutReview(ctx context.Context, w Writer, r Review) (*synckit.Entity, error) {
	return put(ctx, w, TypeReview, ReviewID(r.LocationID, r.UserID), &r)
}

// AddFavorite saves a location for a user. Saving it twice is a no-op
// beyond refreshing the payload.
func AddFavorite(ctx context.Context, w Writer, f Favorite) (*synckit.Entity, error) {
	return put(ctx, w, TypeFavorite, FavoriteID(f.LocationID, f.UserID), &f)
}

// RemoveFavorite deletes a user's favorite. Removing an absent favorite is
// not an error.
func RemoveFavorite(ctx context.Context, w Writer, locationID, userID string) error {
	_, err := w.Write(ctx, TypeFavorite, synckit.Mutation{Kind: synckit.ActionDelete, ID: FavoriteID(locationID, userID)})
	return err
}

func put(ctx context.Context, w Writer, entityType synckit.EntityType, id string, v interface{ Validate() error }) (*synckit.Entity, error) {
	if err := v.Validate(); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpWrite, err)
	}
	payload, err := codec.Marshal(v)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpWrite, err)
	}
	current, err := w.Read(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	kind := synckit.ActionCreate
	if current != nil {
		kind = synckit.ActionUpdate
	}
	return w.Write(ctx, entityType, synckit.Mutation{Kind: kind, ID: id, Payload: payload})
}

// ReviewsOf returns the reviews of a location, served by the location_id
// index.
func ReviewsOf(ctx context.Context, q Querier, locationID string) ([]Review, error) {
	return collect[Review](ctx, q, TypeReview, synckit.Filter{LocationID: locationID})
}

// ReviewsBy returns the reviews written by a user.
func ReviewsBy(ctx context.Context, q Querier, userID string) ([]Review, error) {
	return collect[Review](ctx, q, TypeReview, synckit.Filter{Match: ownedBy(userID)})
}

// FavoritesOf returns the locations a user saved.
func FavoritesOf(ctx context.Context, q Querier, userID string) ([]Favorite, error) {
	return collect[Favorite](ctx, q, TypeFavorite, synckit.Filter{Match: ownedBy(userID)})
}

// ReviewStats summarises the ratings of a location.
type ReviewStats struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

// StatsOf averages the reviews of a location. A location without reviews
// yields the zero value.
func StatsOf(ctx context.Context, q Querier, locationID string) (ReviewStats, error) {
	reviews, err := ReviewsOf(ctx, q, locationID)
	if err != nil || len(reviews) == 0 {
		return ReviewStats{}, err
	}
	sum := 0
	for _, r := range reviews {
		sum += r.Rating
	}
	return ReviewStats{Count: len(reviews), Average: float64(sum) / float64(len(reviews))}, nil
}

func ownedBy(userID string) func(*synckit.Entity) bool {
	return func(e *synckit.Entity) bool {
		var owner struct {
			UserID string `json:"user_id"`
		}
		return codec.Unmarshal(e.Payload, &owner) == nil && owner.UserID == userID
	}
}

func collect[T any](ctx context.Context, q Querier, entityType synckit.EntityType, filter synckit.Filter) ([]T, error) {
	var out []T
	for e, err := range q.Query(ctx, entityType, filter) {
		if err != nil {
			return nil, err
		}
		var v T
		if err := codec.Unmarshal(e.Payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", entityType, e.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}
