package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/locsync/errors"
	"github.com/c0deZ3R0/locsync/synckit"
	"github.com/c0deZ3R0/locsync/synckit/codec"
)

const entityColumns = `entity_type, id, payload, version, remote_version, sync_state, deleted, conflict, updated_at`

const actionColumns = `action_id, idempotency_key, entity_type, entity_id, kind, payload, attempt_count, status, last_error, created_at, updated_at`

// ops runs statements on a pool or a transaction.
type ops struct {
	b *Backend
	q querier
}

func (o *ops) rebind(query string) string { return o.b.dialect.Rebind(query) }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*synckit.Entity, error) {
	var (
		e                  synckit.Entity
		typ, state         string
		payload, conflict  sql.NullString
		version, remoteVer int64
		deleted            bool
		updatedAt          int64
	)
	if err := row.Scan(&typ, &e.ID, &payload, &version, &remoteVer, &state, &deleted, &conflict, &updatedAt); err != nil {
		return nil, err
	}
	e.Type = synckit.EntityType(typ)
	e.SyncState = synckit.SyncState(state)
	e.Version = uint64(version)
	e.RemoteVersion = uint64(remoteVer)
	e.Deleted = deleted
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	if conflict.Valid && conflict.String != "" {
		var ci synckit.ConflictInfo
		if err := codec.Unmarshal([]byte(conflict.String), &ci); err != nil {
			return nil, fmt.Errorf("decode conflict of %s/%s: %w", typ, e.ID, err)
		}
		e.Conflict = &ci
	}
	return &e, nil
}

func scanAction(row rowScanner) (*synckit.PendingAction, error) {
	var (
		a                    synckit.PendingAction
		typ, kind, status    string
		payload              sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&a.ActionID, &a.IdempotencyKey, &typ, &a.EntityID, &kind, &payload,
		&a.AttemptCount, &status, &a.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.EntityType = synckit.EntityType(typ)
	a.Kind = synckit.ActionKind(kind)
	a.Status = synckit.ActionStatus(status)
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if payload.Valid {
		a.Payload = json.RawMessage(payload.String)
	}
	return &a, nil
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Entities

func (o *ops) getEntity(ctx context.Context, entityType synckit.EntityType, id string) (*synckit.Entity, error) {
	row := o.q.QueryRowContext(ctx, o.rebind(`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND id = ?`),
		string(entityType), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (o *ops) upsertEntity(ctx context.Context, e *synckit.Entity) (*synckit.Entity, error) {
	if e == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpUpsert, fmt.Errorf("entity is nil"))
	}
	existing, err := o.getEntity(ctx, e.Type, e.ID)
	if err != nil {
		return nil, err
	}
	out, err := synckit.PrepareUpsert(existing, e, o.b.now())
	if err != nil {
		return nil, err
	}

	var conflict any
	if out.Conflict != nil {
		raw, err := codec.Marshal(out.Conflict)
		if err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpUpsert, err)
		}
		conflict = string(raw)
	}
	idx := synckit.ExtractIndex(out)

	_, err = o.q.ExecContext(ctx, o.rebind(`INSERT INTO entities
		(entity_type, id, payload, version, remote_version, sync_state, deleted, conflict,
		 category, location_id, latitude, longitude, rating, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			remote_version = excluded.remote_version,
			sync_state = excluded.sync_state,
			deleted = excluded.deleted,
			conflict = excluded.conflict,
			category = excluded.category,
			location_id = excluded.location_id,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			rating = excluded.rating,
			updated_at = excluded.updated_at`),
		string(out.Type), out.ID, nullText(out.Payload), int64(out.Version), int64(out.RemoteVersion),
		string(out.SyncState), boolInt(out.Deleted), conflict,
		nullString(idx.Category), nullString(idx.LocationID), nullFloat(idx.Latitude), nullFloat(idx.Longitude), nullFloat(idx.Rating), out.UpdatedAt.UnixNano())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// querySQL renders the indexed part of filter. The LIMIT is pushed down only
// when no in-process predicate can drop rows.
func (o *ops) querySQL(entityType synckit.EntityType, f synckit.Filter) (string, []any) {
	where := []string{"entity_type = ?"}
	args := []any{string(entityType)}
	if !f.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if f.SyncState != "" {
		where = append(where, "sync_state = ?")
		args = append(args, string(f.SyncState))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, f.LocationID)
	}
	if f.MinRating > 0 {
		where = append(where, "rating >= ?")
		args = append(args, f.MinRating)
	}
	boxes := make([]synckit.GeoBounds, 0, 2)
	if f.Bounds != nil {
		boxes = append(boxes, *f.Bounds)
	}
	if f.Near != nil {
		boxes = append(boxes, synckit.BoundsAround(*f.Near))
	}
	for _, box := range boxes {
		where = append(where, "latitude BETWEEN ? AND ?", "longitude BETWEEN ? AND ?")
		args = append(args, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	}

	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if f.Limit > 0 && f.Near == nil && f.Match == nil {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return o.rebind(query), args
}

// eachEntity streams matching rows to yield until it returns false.
func (o *ops) eachEntity(ctx context.Context, entityType synckit.EntityType, f synckit.Filter, yield func(*synckit.Entity) bool) error {
	query, args := o.querySQL(entityType, f)
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return err
		}
		if !f.Matches(e) {
			continue
		}
		if !yield(e) {
			return nil
		}
		n++
		if f.Limit > 0 && n >= f.Limit {
			return nil
		}
	}
	return rows.Err()
}

func (o *ops) deleteEntity(ctx context.Context, entityType synckit.EntityType, id string) error {
	_, err := o.q.ExecContext(ctx, o.rebind(`DELETE FROM entities WHERE entity_type = ? AND id = ?`), string(entityType), id)
	return err
}

func (o *ops) evictClean(ctx context.Context, entityType synckit.EntityType, olderThan time.Time) (int, error) {
	res, err := o.q.ExecContext(ctx, o.rebind(`DELETE FROM entities
		WHERE entity_type = ? AND sync_state = ? AND deleted = 0 AND updated_at < ?`),
		string(entityType), string(synckit.Clean), olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Actions

func (o *ops) enqueue(ctx context.Context, a *synckit.PendingAction) (int64, error) {
	out, err := synckit.PrepareAction(a, o.b.now())
	if err != nil {
		return 0, err
	}
	var id int64
	err = o.q.QueryRowContext(ctx, o.rebind(`INSERT INTO pending_actions
		(idempotency_key, entity_type, entity_id, kind, payload, attempt_count, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING action_id`),
		out.IdempotencyKey, string(out.EntityType), out.EntityID, string(out.Kind), nullText(out.Payload),
		out.AttemptCount, string(out.Status), out.LastError, out.CreatedAt.UnixNano(), out.UpdatedAt.UnixNano(),
	).Scan(&id)
	return id, err
}

func (o *ops) getAction(ctx context.Context, actionID int64) (*synckit.PendingAction, error) {
	a, err := scanAction(o.q.QueryRowContext(ctx, o.rebind(`SELECT `+actionColumns+` FROM pending_actions WHERE action_id = ?`), actionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (o *ops) listActions(ctx context.Context, where string, args ...any) ([]*synckit.PendingAction, error) {
	rows, err := o.q.QueryContext(ctx, o.rebind(`SELECT `+actionColumns+` FROM pending_actions WHERE `+where+` ORDER BY action_id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*synckit.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (o *ops) peekNext(ctx context.Context, ref synckit.EntityRef) (*synckit.PendingAction, error) {
	a, err := scanAction(o.q.QueryRowContext(ctx, o.rebind(`SELECT `+actionColumns+` FROM pending_actions
		WHERE entity_type = ? AND entity_id = ? AND status = ? ORDER BY action_id LIMIT 1`),
		string(ref.Type), ref.ID, string(synckit.StatusPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (o *ops) outstanding(ctx context.Context, ref synckit.EntityRef) ([]*synckit.PendingAction, error) {
	return o.listActions(ctx, `entity_type = ? AND entity_id = ? AND status <> ?`,
		string(ref.Type), ref.ID, string(synckit.StatusSettled))
}

func (o *ops) outstandingEntities(ctx context.Context) ([]synckit.EntityRef, error) {
	rows, err := o.q.QueryContext(ctx, o.rebind(`SELECT entity_type, entity_id, MIN(action_id) AS first
		FROM pending_actions WHERE status IN (?, ?)
		GROUP BY entity_type, entity_id ORDER BY first`),
		string(synckit.StatusPending), string(synckit.StatusInFlight))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []synckit.EntityRef
	for rows.Next() {
		var (
			typ, id string
			first   int64
		)
		if err := rows.Scan(&typ, &id, &first); err != nil {
			return nil, err
		}
		refs = append(refs, synckit.EntityRef{Type: synckit.EntityType(typ), ID: id})
	}
	return refs, rows.Err()
}

// transition applies event to the action. Unknown ids and invalid
// transitions are logged and ignored.
func (o *ops) transition(ctx context.Context, actionID int64, event, reason string) error {
	a, err := o.getAction(ctx, actionID)
	if err != nil {
		return err
	}
	if a == nil {
		o.b.logger.DebugContext(ctx, "Ignoring transition of unknown action",
			slog.Int64("action_id", actionID), slog.String("event", event))
		return nil
	}
	update, err := synckit.PlanTransition(a.Status, event)
	if err != nil {
		o.b.logger.DebugContext(ctx, "Ignoring invalid action transition",
			slog.Int64("action_id", actionID), slog.String("error", err.Error()))
		return nil
	}
	update.Apply(a, reason)
	_, err = o.q.ExecContext(ctx, o.rebind(`UPDATE pending_actions
		SET status = ?, attempt_count = ?, last_error = ?, updated_at = ?
		WHERE action_id = ?`),
		string(a.Status), a.AttemptCount, a.LastError, o.b.now().UnixNano(), actionID)
	return err
}

func (o *ops) discard(ctx context.Context, actionID int64) error {
	_, err := o.q.ExecContext(ctx, o.rebind(`DELETE FROM pending_actions WHERE action_id = ? AND status <> ?`),
		actionID, string(synckit.StatusInFlight))
	return err
}

func (o *ops) recoverInFlight(ctx context.Context) (int, error) {
	stuck, err := o.listActions(ctx, `status = ?`, string(synckit.StatusInFlight))
	if err != nil {
		return 0, err
	}
	for _, a := range stuck {
		if err := o.transition(ctx, a.ActionID, synckit.EventRelease, ""); err != nil {
			return 0, err
		}
	}
	return len(stuck), nil
}

func (o *ops) purgeSettled(ctx context.Context, before time.Time) (int, error) {
	res, err := o.q.ExecContext(ctx, o.rebind(`DELETE FROM pending_actions WHERE status = ? AND updated_at < ?`),
		string(synckit.StatusSettled), before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (o *ops) counts(ctx context.Context) (map[synckit.ActionStatus]int, error) {
	counts := map[synckit.ActionStatus]int{
		synckit.StatusPending:  0,
		synckit.StatusInFlight: 0,
		synckit.StatusSettled:  0,
		synckit.StatusFailed:   0,
	}
	rows, err := o.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_actions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[synckit.ActionStatus(status)] = n
	}
	return counts, rows.Err()
}

// iterate adapts eachEntity to an iter.Seq2, reporting the first error.
func iterate(run func(yield func(*synckit.Entity) bool) error) iter.Seq2[*synckit.Entity, error] {
	return func(yield func(*synckit.Entity, error) bool) {
		stopped := false
		err := run(func(e *synckit.Entity) bool {
			if !yield(e, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}
