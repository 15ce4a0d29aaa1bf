package synckit

import (
	"math"

	"github.com/c0deZ3R0/locsync/synckit/codec"
)

const earthRadiusKm = 6371.0

// IndexFields are the payload fields stores index for predicate pushdown.
// Any entity type whose payload carries them can be filtered on them.
type IndexFields struct {
	Category   string   `json:"category"`
	LocationID string   `json:"location_id"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Rating     *float64 `json:"rating"`
}

// HasPoint reports whether both coordinates are present.
func (f IndexFields) HasPoint() bool {
	return f.Latitude != nil && f.Longitude != nil
}

// ExtractIndex reads the index fields from an entity's payload. Payloads that
// are not objects yield empty fields.
func ExtractIndex(e *Entity) IndexFields {
	var idx IndexFields
	if e == nil || len(e.Payload) == 0 {
		return idx
	}
	_ = codec.Unmarshal(e.Payload, &idx)
	return idx
}

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// BoundsAround returns a box enclosing the radius, for index pushdown.
func BoundsAround(r GeoRadius) GeoBounds {
	dLat := r.RadiusKm / earthRadiusKm * 180 / math.Pi
	cos := math.Cos(r.Lat * math.Pi / 180)
	dLng := 180.0
	if cos > 1e-9 {
		dLng = math.Min(180, dLat/cos)
	}
	return GeoBounds{
		MinLat: r.Lat - dLat, MaxLat: r.Lat + dLat,
		MinLng: r.Lng - dLng, MaxLng: r.Lng + dLng,
	}
}

// Matches evaluates the whole filter against an entity in process. SQL
// backends push the indexed parts down and call Matches on the rows they read.
func (f Filter) Matches(e *Entity) bool {
	if e == nil {
		return false
	}
	if e.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.SyncState != "" && e.SyncState != f.SyncState {
		return false
	}
	if f.Category != "" || f.LocationID != "" || f.MinRating > 0 || f.Bounds != nil || f.Near != nil {
		idx := ExtractIndex(e)
		if f.Category != "" && idx.Category != f.Category {
			return false
		}
		if f.LocationID != "" && idx.LocationID != f.LocationID {
			return false
		}
		if f.MinRating > 0 && (idx.Rating == nil || *idx.Rating < f.MinRating) {
			return false
		}
		if f.Bounds != nil && (!idx.HasPoint() || !f.Bounds.Contains(*idx.Latitude, *idx.Longitude)) {
			return false
		}
		if f.Near != nil {
			if !idx.HasPoint() || HaversineKm(f.Near.Lat, f.Near.Lng, *idx.Latitude, *idx.Longitude) > f.Near.RadiusKm {
				return false
			}
		}
	}
	if f.Match != nil && !f.Match(e) {
		return false
	}
	return true
}
