// Package sqlite implements delivery.Store on SQLite. The database handle is
// limited to one connection, so every transaction is serialized and the
// claim UPDATE is exclusive without row locks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/austindbirch/impact_relay/internal/db"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/store/sqlq"
)

const deliveryColumns = `id, tenant_id, platform, period, status, attempt_count, max_attempts, cycle,
	next_attempt_at, ready_at, completed_at, last_error, payload_snapshot_ref, external_ref,
	partner_ref, reuse_snapshot, claimed_at, claimed_by, claim_token, created_at, updated_at`

const attemptColumns = `a.id, a.delivery_id, a.cycle, a.attempt_number, a.started_at, a.ended_at,
	a.outcome, a.http_status, a.error_detail, a.source`

const replayColumns = `r.id, r.delivery_id, r.cycle, r.previous_status, r.initiated_by, r.reason,
	r.reuse_snapshot, r.created_at`

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type Store struct {
	db *sql.DB
}

var _ delivery.Store = (*Store)(nil)

func New(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// Open opens (and migrates) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(sqlDB), nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	lastErr, err := encodeError(d.LastError)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, string(d.Platform), d.Period, string(d.Status), d.AttemptCount, d.MaxAttempts, d.Cycle,
		nullNanos(d.NextAttemptAt), nanos(d.ReadyAt), nullNanos(d.CompletedAt), lastErr, d.PayloadSnapshotRef, d.ExternalRef,
		d.PartnerRef, d.ReuseSnapshot, nullNanos(d.ClaimedAt), d.ClaimedBy, d.ClaimToken, nanos(d.CreatedAt), nanos(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &delivery.ValidationError{Field: "id", Reason: "delivery " + d.ID + " already exists"}
		}
		return errors.Wrap(err, "insert delivery")
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*delivery.Delivery, error) {
	return getDelivery(ctx, s.db, id)
}

func getDelivery(ctx context.Context, q queryer, id string) (*delivery.Delivery, error) {
	row := q.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &delivery.NotFoundError{Kind: "delivery", Key: id}
	}
	return d, err
}

func (s *Store) ListDeliveries(ctx context.Context, q delivery.Query) ([]delivery.Delivery, error) {
	b := sqlq.New(false)
	sqlq.Deliveries(b, q, "")
	query := `SELECT ` + deliveryColumns + ` FROM deliveries` + b.Where() + ` ORDER BY ready_at, id`
	if q.Limit > 0 {
		query += " LIMIT " + b.Next(q.Limit)
		if q.Offset > 0 {
			query += " OFFSET " + b.Next(q.Offset)
		}
	}
	return queryDeliveries(ctx, s.db, query, b.Args()...)
}

func (s *Store) ClaimDue(ctx context.Context, req delivery.ClaimRequest) ([]delivery.Delivery, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	token := req.Token
	if token == "" {
		token = delivery.NewID("clm")
	}
	now := nanos(req.Now)
	out, err := queryDeliveries(ctx, s.db, `UPDATE deliveries
		SET status = 'IN_FLIGHT', attempt_count = attempt_count + 1, claimed_at = ?, claimed_by = ?,
		    claim_token = ?, next_attempt_at = NULL, updated_at = ?
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE platform = ? AND status IN ('PENDING', 'FAILED') AND attempt_count < max_attempts
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY COALESCE(next_attempt_at, ready_at), ready_at
			LIMIT ?)
		RETURNING `+deliveryColumns,
		now, req.Owner, token, now, string(req.Platform), now, req.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim due deliveries")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReadyAt.Before(out[j].ReadyAt) })
	return out, nil
}

func (s *Store) ReclaimStuck(ctx context.Context, claimedBefore time.Time, limit int, fn delivery.ReclaimFunc) ([]delivery.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []delivery.Delivery
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stuck, err := queryDeliveries(ctx, tx, `SELECT `+deliveryColumns+` FROM deliveries
			WHERE status = 'IN_FLIGHT' AND claimed_at <= ? ORDER BY claimed_at LIMIT ?`,
			nanos(claimedBefore), limit)
		if err != nil {
			return errors.Wrap(err, "select stuck deliveries")
		}
		for _, d := range stuck {
			a, t := fn(d)
			ok, err := writeOutcome(ctx, tx, d.ID, a, t, `status = 'IN_FLIGHT' AND claim_token = ?`, d.ClaimToken)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			updated, err := getDelivery(ctx, tx, d.ID)
			if err != nil {
				return err
			}
			out = append(out, *updated)
		}
		return nil
	})
	return out, err
}

func (s *Store) CompleteAttempt(ctx context.Context, c delivery.Claim, a delivery.Attempt, t delivery.Transition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := writeOutcome(ctx, tx, c.DeliveryID, a, t, `status = 'IN_FLIGHT' AND claim_token = ?`, c.Token)
		if err != nil {
			return err
		}
		if !ok {
			return &delivery.ConcurrencyConflict{DeliveryID: c.DeliveryID, Op: "complete attempt"}
		}
		return nil
	})
}

func (s *Store) ReplayDelivery(ctx context.Context, id string, audit delivery.ReplayAudit, now time.Time) (*delivery.Delivery, error) {
	var out *delivery.Delivery
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := getDelivery(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Status == delivery.StatusInFlight {
			return &delivery.ConcurrencyConflict{DeliveryID: id, Op: "replay"}
		}
		res, err := tx.ExecContext(ctx, `UPDATE deliveries
			SET status = 'PENDING', attempt_count = 0, next_attempt_at = ?, completed_at = NULL, last_error = NULL,
			    cycle = cycle + 1, reuse_snapshot = ?, claimed_at = NULL, claimed_by = '', claim_token = '', updated_at = ?
			WHERE id = ? AND status <> 'IN_FLIGHT'`,
			nanos(now), audit.ReuseSnapshot, nanos(now), id)
		if err != nil {
			return errors.Wrap(err, "reset delivery")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &delivery.ConcurrencyConflict{DeliveryID: id, Op: "replay"}
		}
		if audit.ID == "" {
			audit.ID = delivery.NewID("rpl")
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO replay_audit
			(id, delivery_id, cycle, previous_status, initiated_by, reason, reuse_snapshot, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			audit.ID, id, d.Cycle+1, string(d.Status), audit.InitiatedBy, audit.Reason, audit.ReuseSnapshot, nanos(now))
		if err != nil {
			return errors.Wrap(err, "insert replay audit")
		}
		out, err = getDelivery(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *Store) ApplyConfirmation(ctx context.Context, platform delivery.Platform, externalRef string, fn delivery.ConfirmFunc) (*delivery.Delivery, bool, error) {
	var (
		out     *delivery.Delivery
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := findByRef(ctx, tx, platform, externalRef)
		if err != nil {
			return err
		}
		a, t, err := fn(*d)
		if err != nil {
			return err
		}
		if a == nil || t == nil {
			out = d
			return nil
		}
		ok, err := writeOutcome(ctx, tx, d.ID, *a, *t, `status = ? AND claim_token = ?`, string(d.Status), d.ClaimToken)
		if err != nil {
			return err
		}
		if !ok {
			return &delivery.ConcurrencyConflict{DeliveryID: d.ID, Op: "apply confirmation"}
		}
		applied = true
		out, err = getDelivery(ctx, tx, d.ID)
		return err
	})
	return out, applied, err
}

// findByRef resolves a confirmation reference: the engine's external_ref
// first, then a partner_ref shared by no other delivery of the platform.
func findByRef(ctx context.Context, tx *sql.Tx, platform delivery.Platform, ref string) (*delivery.Delivery, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE platform = ? AND external_ref = ?`,
		string(platform), ref)
	d, err := scanDelivery(row)
	if err == nil || !errors.Is(err, sql.ErrNoRows) {
		return d, err
	}
	ds, err := queryDeliveries(ctx, tx, `SELECT `+deliveryColumns+` FROM deliveries
		WHERE platform = ? AND partner_ref = ? ORDER BY id LIMIT 2`, string(platform), ref)
	if err != nil {
		return nil, err
	}
	switch len(ds) {
	case 0:
		return nil, &delivery.NotFoundError{Kind: "external reference", Key: string(platform) + "/" + ref}
	case 1:
		return &ds[0], nil
	default:
		return nil, &delivery.ValidationError{Field: "external_ref", Reason: "partner reference " + ref + " matches more than one delivery"}
	}
}

func insertSnapshot(ctx context.Context, q queryer, snap *delivery.Snapshot) error {
	if snap.ID == "" {
		snap.ID = delivery.NewID("snp")
	}
	_, err := q.ExecContext(ctx, `INSERT INTO payload_snapshots (id, delivery_id, cycle, attempt_number, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.DeliveryID, snap.Cycle, snap.AttemptNumber, snap.Body, nanos(snap.CreatedAt))
	return errors.Wrap(err, "insert payload snapshot")
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*delivery.Snapshot, error) {
	var (
		snap    delivery.Snapshot
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, delivery_id, cycle, attempt_number, body, created_at
		FROM payload_snapshots WHERE id = ?`, id).
		Scan(&snap.ID, &snap.DeliveryID, &snap.Cycle, &snap.AttemptNumber, &snap.Body, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &delivery.NotFoundError{Kind: "snapshot", Key: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "get payload snapshot")
	}
	snap.CreatedAt = fromNanos(created)
	return &snap, nil
}

func (s *Store) ListForSLA(ctx context.Context, q delivery.SLAQuery) ([]delivery.Delivery, error) {
	b := sqlq.New(false)
	sqlq.SLA(b, q, tsArg)
	query := `SELECT ` + deliveryColumns + ` FROM deliveries` + b.Where() + ` ORDER BY ready_at, id`
	if q.Limit > 0 {
		query += " LIMIT " + b.Next(q.Limit)
	}
	return queryDeliveries(ctx, s.db, query, b.Args()...)
}

func (s *Store) CountByStatus(ctx context.Context) ([]delivery.StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT platform, status, COUNT(*) FROM deliveries GROUP BY platform, status ORDER BY platform, status`)
	if err != nil {
		return nil, errors.Wrap(err, "count deliveries")
	}
	defer rows.Close()

	var out []delivery.StatusCount
	for rows.Next() {
		var (
			c                delivery.StatusCount
			platform, status string
		)
		if err := rows.Scan(&platform, &status, &c.Count); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		c.Platform, c.Status = delivery.Platform(platform), delivery.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) MarkSLAAlert(ctx context.Context, deliveryID, classification string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sla_alerts (delivery_id, classification, alerted_at)
		VALUES (?, ?, ?) ON CONFLICT (delivery_id, classification) DO NOTHING`,
		deliveryID, classification, nanos(at))
	if err != nil {
		return false, errors.Wrap(err, "insert sla alert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sla alert rows affected")
	}
	return n == 1, nil
}

func (s *Store) ListAttempts(ctx context.Context, q delivery.TimelineQuery) ([]delivery.Attempt, error) {
	b := sqlq.New(false)
	sqlq.Timeline(b, q, "a.started_at", tsArg)
	query := `SELECT ` + attemptColumns + ` FROM delivery_attempts a JOIN deliveries d ON d.id = a.delivery_id` +
		b.Where() + ` ORDER BY a.started_at, a.cycle, a.attempt_number`
	if q.Limit > 0 {
		query += " LIMIT " + b.Next(q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, b.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	defer rows.Close()

	var out []delivery.Attempt
	for rows.Next() {
		var (
			a               delivery.Attempt
			started, ended  int64
			outcome, source string
		)
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.Cycle, &a.AttemptNumber, &started, &ended,
			&outcome, &a.HTTPStatus, &a.ErrorDetail, &source); err != nil {
			return nil, errors.Wrap(err, "scan attempt")
		}
		a.StartedAt, a.EndedAt = fromNanos(started), fromNanos(ended)
		a.Outcome, a.Source = delivery.Outcome(outcome), delivery.AttemptSource(source)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListReplays(ctx context.Context, q delivery.TimelineQuery) ([]delivery.ReplayAudit, error) {
	b := sqlq.New(false)
	sqlq.Timeline(b, q, "r.created_at", tsArg)
	query := `SELECT ` + replayColumns + ` FROM replay_audit r JOIN deliveries d ON d.id = r.delivery_id` +
		b.Where() + ` ORDER BY r.created_at`
	if q.Limit > 0 {
		query += " LIMIT " + b.Next(q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, b.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "list replays")
	}
	defer rows.Close()

	var out []delivery.ReplayAudit
	for rows.Next() {
		var (
			r       delivery.ReplayAudit
			prev    string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.DeliveryID, &r.Cycle, &prev, &r.InitiatedBy, &r.Reason, &r.ReuseSnapshot, &created); err != nil {
			return nil, errors.Wrap(err, "scan replay")
		}
		r.PreviousStatus, r.CreatedAt = delivery.Status(prev), fromNanos(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// writeOutcome applies t to the delivery and appends a, provided the row
// still matches cond. It reports false when the condition no longer holds.
func writeOutcome(ctx context.Context, tx *sql.Tx, id string, a delivery.Attempt, t delivery.Transition, cond string, condArgs ...any) (bool, error) {
	lastErr, err := encodeError(t.LastError)
	if err != nil {
		return false, err
	}
	args := []any{
		string(t.Status), a.AttemptNumber, nullNanos(t.NextAttemptAt), nullNanos(t.CompletedAt), lastErr,
		t.PartnerRef, t.SnapshotRef, nanos(a.EndedAt), id,
	}
	res, err := tx.ExecContext(ctx, `UPDATE deliveries
		SET status = ?, attempt_count = ?, next_attempt_at = ?, completed_at = ?, last_error = ?,
		    partner_ref = COALESCE(NULLIF(?, ''), partner_ref),
		    payload_snapshot_ref = COALESCE(NULLIF(?, ''), payload_snapshot_ref),
		    reuse_snapshot = 0, claimed_at = NULL, claimed_by = '', claim_token = '', updated_at = ?
		WHERE id = ? AND `+cond, append(args, condArgs...)...)
	if err != nil {
		return false, errors.Wrap(err, "update delivery outcome")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if a.ID == "" {
		a.ID = delivery.NewID("att")
	}
	var cycle int
	if err := tx.QueryRowContext(ctx, `SELECT cycle FROM deliveries WHERE id = ?`, id).Scan(&cycle); err != nil {
		return false, errors.Wrap(err, "read cycle")
	}
	if a.Cycle == 0 {
		a.Cycle = cycle
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO delivery_attempts
		(id, delivery_id, cycle, attempt_number, started_at, ended_at, outcome, http_status, error_detail, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, id, a.Cycle, a.AttemptNumber, nanos(a.StartedAt), nanos(a.EndedAt),
		string(a.Outcome), a.HTTPStatus, a.ErrorDetail, string(a.Source))
	if err != nil {
		return false, errors.Wrap(err, "insert attempt")
	}
	if t.Snapshot != nil {
		if err := insertSnapshot(ctx, tx, t.Snapshot); err != nil {
			return false, err
		}
	}
	return true, nil
}

func queryDeliveries(ctx context.Context, q queryer, query string, args ...any) ([]delivery.Delivery, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query deliveries")
	}
	defer rows.Close()

	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, errors.Wrap(rows.Err(), "iterate deliveries")
}

func scanDelivery(row scanner) (*delivery.Delivery, error) {
	var (
		d                        delivery.Delivery
		platform, status         string
		next, completed, claimed sql.NullInt64
		ready, created, updated  int64
		lastErr                  sql.NullString
	)
	err := row.Scan(&d.ID, &d.TenantID, &platform, &d.Period, &status, &d.AttemptCount, &d.MaxAttempts, &d.Cycle,
		&next, &ready, &completed, &lastErr, &d.PayloadSnapshotRef, &d.ExternalRef,
		&d.PartnerRef, &d.ReuseSnapshot, &claimed, &d.ClaimedBy, &d.ClaimToken, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan delivery")
	}
	d.Platform, d.Status = delivery.Platform(platform), delivery.Status(status)
	d.NextAttemptAt, d.CompletedAt, d.ClaimedAt = ptrNanos(next), ptrNanos(completed), ptrNanos(claimed)
	d.ReadyAt, d.CreatedAt, d.UpdatedAt = fromNanos(ready), fromNanos(created), fromNanos(updated)
	if lastErr.Valid && lastErr.String != "" {
		var e delivery.ErrorSummary
		if err := json.Unmarshal([]byte(lastErr.String), &e); err != nil {
			return nil, errors.Wrap(err, "decode last_error")
		}
		d.LastError = &e
	}
	return &d, nil
}

func encodeError(e *delivery.ErrorSummary) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode last_error")
	}
	return string(b), nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func tsArg(t time.Time) any { return nanos(t) }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func ptrNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
