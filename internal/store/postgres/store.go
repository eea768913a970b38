// Package postgres implements delivery.Store on PostgreSQL via pgx. Claims use
// FOR UPDATE SKIP LOCKED so concurrent schedulers never receive the same row.
package postgres

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
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

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

var _ delivery.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := db.MigratePool(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	lastErr, err := encodeError(d.LastError)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO impactrelay.deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		d.ID, d.TenantID, string(d.Platform), d.Period, string(d.Status), d.AttemptCount, d.MaxAttempts, d.Cycle,
		d.NextAttemptAt, d.ReadyAt.UTC(), d.CompletedAt, lastErr, d.PayloadSnapshotRef, d.ExternalRef,
		d.PartnerRef, d.ReuseSnapshot, d.ClaimedAt, d.ClaimedBy, d.ClaimToken, d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &delivery.ValidationError{Field: "id", Reason: "delivery " + d.ID + " already exists"}
		}
		return errors.Wrap(err, "insert delivery")
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*delivery.Delivery, error) {
	return getDelivery(ctx, s.pool, id, false)
}

func getDelivery(ctx context.Context, q querier, id string, forUpdate bool) (*delivery.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM impactrelay.deliveries WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	d, err := scanDelivery(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &delivery.NotFoundError{Kind: "delivery", Key: id}
	}
	return d, err
}

func (s *Store) ListDeliveries(ctx context.Context, q delivery.Query) ([]delivery.Delivery, error) {
	b := sqlq.New(true)
	sqlq.Deliveries(b, q, "")
	query := `SELECT ` + deliveryColumns + ` FROM impactrelay.deliveries` + b.Where() + ` ORDER BY ready_at, id`
	if q.Limit > 0 {
		query += " LIMIT " + b.Next(q.Limit)
		if q.Offset > 0 {
			query += " OFFSET " + b.Next(q.Offset)
		}
	}
	return queryDeliveries(ctx, s.pool, query, b.Args()...)
}

func (s *Store) ClaimDue(ctx context.Context, req delivery.ClaimRequest) ([]delivery.Delivery, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	token := req.Token
	if token == "" {
		token = delivery.NewID("clm")
	}
	out, err := queryDeliveries(ctx, s.pool, `
		WITH due AS (
			SELECT id FROM impactrelay.deliveries
			WHERE platform = $1 AND status IN ('PENDING', 'FAILED') AND attempt_count < max_attempts
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY COALESCE(next_attempt_at, ready_at), ready_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE impactrelay.deliveries d
		SET status = 'IN_FLIGHT', attempt_count = d.attempt_count + 1, claimed_at = $2, claimed_by = $4,
		    claim_token = $5, next_attempt_at = NULL, updated_at = $2
		FROM due WHERE d.id = due.id
		RETURNING `+prefixed("d.", deliveryColumns),
		string(req.Platform), req.Now.UTC(), req.Limit, req.Owner, token)
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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		stuck, err := queryDeliveries(ctx, tx, `SELECT `+deliveryColumns+` FROM impactrelay.deliveries
			WHERE status = 'IN_FLIGHT' AND claimed_at <= $1 ORDER BY claimed_at LIMIT $2
			FOR UPDATE SKIP LOCKED`,
			claimedBefore.UTC(), limit)
		if err != nil {
			return errors.Wrap(err, "select stuck deliveries")
		}
		for _, d := range stuck {
			a, t := fn(d)
			ok, err := writeOutcome(ctx, tx, d.ID, d.Cycle, a, t, d.Status, d.ClaimToken)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			updated, err := getDelivery(ctx, tx, d.ID, false)
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
	return s.withTx(ctx, func(tx pgx.Tx) error {
		ok, err := writeOutcome(ctx, tx, c.DeliveryID, a.Cycle, a, t, delivery.StatusInFlight, c.Token)
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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		d, err := getDelivery(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if d.Status == delivery.StatusInFlight {
			return &delivery.ConcurrencyConflict{DeliveryID: id, Op: "replay"}
		}
		now := now.UTC()
		_, err = tx.Exec(ctx, `UPDATE impactrelay.deliveries
			SET status = 'PENDING', attempt_count = 0, next_attempt_at = $1, completed_at = NULL, last_error = NULL,
			    cycle = cycle + 1, reuse_snapshot = $2, claimed_at = NULL, claimed_by = '', claim_token = '', updated_at = $1
			WHERE id = $3`,
			now, audit.ReuseSnapshot, id)
		if err != nil {
			return errors.Wrap(err, "reset delivery")
		}
		if audit.ID == "" {
			audit.ID = delivery.NewID("rpl")
		}
		_, err = tx.Exec(ctx, `INSERT INTO impactrelay.replay_audit
			(id, delivery_id, cycle, previous_status, initiated_by, reason, reuse_snapshot, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			audit.ID, id, d.Cycle+1, string(d.Status), audit.InitiatedBy, audit.Reason, audit.ReuseSnapshot, now)
		if err != nil {
			return errors.Wrap(err, "insert replay audit")
		}
		out, err = getDelivery(ctx, tx, id, false)
		return err
	})
	return out, err
}

func (s *Store) ApplyConfirmation(ctx context.Context, platform delivery.Platform, externalRef string, fn delivery.ConfirmFunc) (*delivery.Delivery, bool, error) {
	var (
		out     *delivery.Delivery
		applied bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
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
		ok, err := writeOutcome(ctx, tx, d.ID, d.Cycle, *a, *t, d.Status, d.ClaimToken)
		if err != nil {
			return err
		}
		if !ok {
			return &delivery.ConcurrencyConflict{DeliveryID: d.ID, Op: "apply confirmation"}
		}
		applied = true
		out, err = getDelivery(ctx, tx, d.ID, false)
		return err
	})
	return out, applied, err
}

// findByRef resolves a confirmation reference: the engine's external_ref
// first, then a partner_ref shared by no other delivery of the platform.
func findByRef(ctx context.Context, tx pgx.Tx, platform delivery.Platform, ref string) (*delivery.Delivery, error) {
	row := tx.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM impactrelay.deliveries
		WHERE platform = $1 AND external_ref = $2 FOR UPDATE`, string(platform), ref)
	d, err := scanDelivery(row)
	if err == nil || !errors.Is(err, pgx.ErrNoRows) {
		return d, err
	}
	ds, err := queryDeliveries(ctx, tx, `SELECT `+deliveryColumns+` FROM impactrelay.deliveries
		WHERE platform = $1 AND partner_ref = $2 ORDER BY id LIMIT 2 FOR UPDATE`, string(platform), ref)
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

func insertSnapshot(ctx context.Context, q querier, snap *delivery.Snapshot) error {
	if snap.ID == "" {
		snap.ID = delivery.NewID("snp")
	}
	_, err := q.Exec(ctx, `INSERT INTO impactrelay.payload_snapshots (id, delivery_id, cycle, attempt_number, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.DeliveryID, snap.Cycle, snap.AttemptNumber, snap.Body, snap.CreatedAt.UTC())
	return errors.Wrap(err, "insert payload snapshot")
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*delivery.Snapshot, error) {
	var snap delivery.Snapshot
	err := s.pool.QueryRow(ctx, `SELECT id, delivery_id, cycle, attempt_number, body, created_at
		FROM impactrelay.payload_snapshots WHERE id = $1`, id).
		Scan(&snap.ID, &snap.DeliveryID, &snap.Cycle, &snap.AttemptNumber, &snap.Body, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &delivery.NotFoundError{Kind: "snapshot", Key: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "get payload snapshot")
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	return &snap, nil
}

func (s *Store) ListForSLA(ctx context.Context, q delivery.SLAQuery) ([]delivery.Delivery, error) {
	b := sqlq.New(true)
	sqlq.SLA(b, q, tsArg)
	query := `SELECT ` + deliveryColumns + ` FROM impactrelay.deliveries` + b.Where() + ` ORDER BY ready_at, id`
	if q.Limit > 0 {
		query += " LIMIT " + b.Next(q.Limit)
	}
	return queryDeliveries(ctx, s.pool, query, b.Args()...)
}

func (s *Store) CountByStatus(ctx context.Context) ([]delivery.StatusCount, error) {
	rows, err := s.pool.Query(ctx, `SELECT platform, status, COUNT(*) FROM impactrelay.deliveries
		GROUP BY platform, status ORDER BY platform, status`)
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
	tag, err := s.pool.Exec(ctx, `INSERT INTO impactrelay.sla_alerts (delivery_id, classification, alerted_at)
		VALUES ($1, $2, $3) ON CONFLICT (delivery_id, classification) DO NOTHING`,
		deliveryID, classification, at.UTC())
	if err != nil {
		return false, errors.Wrap(err, "insert sla alert")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListAttempts(ctx context.Context, q delivery.TimelineQuery) ([]delivery.Attempt, error) {
	b := sqlq.New(true)
	sqlq.Timeline(b, q, "a.started_at", tsArg)
	query := `SELECT ` + attemptColumns + ` FROM impactrelay.delivery_attempts a
		JOIN impactrelay.deliveries d ON d.id = a.delivery_id` + b.Where() +
		` ORDER BY a.started_at, a.cycle, a.attempt_number`
	if q.Limit > 0 {
		query += " LIMIT " + b.Next(q.Limit)
	}
	rows, err := s.pool.Query(ctx, query, b.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	defer rows.Close()

	var out []delivery.Attempt
	for rows.Next() {
		var (
			a               delivery.Attempt
			outcome, source string
		)
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.Cycle, &a.AttemptNumber, &a.StartedAt, &a.EndedAt,
			&outcome, &a.HTTPStatus, &a.ErrorDetail, &source); err != nil {
			return nil, errors.Wrap(err, "scan attempt")
		}
		a.StartedAt, a.EndedAt = a.StartedAt.UTC(), a.EndedAt.UTC()
		a.Outcome, a.Source = delivery.Outcome(outcome), delivery.AttemptSource(source)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListReplays(ctx context.Context, q delivery.TimelineQuery) ([]delivery.ReplayAudit, error) {
	b := sqlq.New(true)
	sqlq.Timeline(b, q, "r.created_at", tsArg)
	query := `SELECT ` + replayColumns + ` FROM impactrelay.replay_audit r
		JOIN impactrelay.deliveries d ON d.id = r.delivery_id` + b.Where() + ` ORDER BY r.created_at`
	if q.Limit > 0 {
		query += " LIMIT " + b.Next(q.Limit)
	}
	rows, err := s.pool.Query(ctx, query, b.Args()...)
	if err != nil {
		return nil, errors.Wrap(err, "list replays")
	}
	defer rows.Close()

	var out []delivery.ReplayAudit
	for rows.Next() {
		var (
			r    delivery.ReplayAudit
			prev string
		)
		if err := rows.Scan(&r.ID, &r.DeliveryID, &r.Cycle, &prev, &r.InitiatedBy, &r.Reason, &r.ReuseSnapshot, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan replay")
		}
		r.PreviousStatus, r.CreatedAt = delivery.Status(prev), r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// writeOutcome applies t and appends a, provided the row still has the
// expected status and claim token.
func writeOutcome(ctx context.Context, tx pgx.Tx, id string, cycle int, a delivery.Attempt, t delivery.Transition, status delivery.Status, token string) (bool, error) {
	lastErr, err := encodeError(t.LastError)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `UPDATE impactrelay.deliveries
		SET status = $1, attempt_count = $2, next_attempt_at = $3, completed_at = $4, last_error = $5,
		    partner_ref = COALESCE(NULLIF($6, ''), partner_ref),
		    payload_snapshot_ref = COALESCE(NULLIF($7, ''), payload_snapshot_ref),
		    reuse_snapshot = FALSE, claimed_at = NULL, claimed_by = '', claim_token = '', updated_at = $8
		WHERE id = $9 AND status = $10 AND claim_token = $11`,
		string(t.Status), a.AttemptNumber, t.NextAttemptAt, t.CompletedAt, lastErr,
		t.PartnerRef, t.SnapshotRef, a.EndedAt.UTC(), id, string(status), token)
	if err != nil {
		return false, errors.Wrap(err, "update delivery outcome")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if a.ID == "" {
		a.ID = delivery.NewID("att")
	}
	if a.Cycle == 0 {
		a.Cycle = cycle
	}
	_, err = tx.Exec(ctx, `INSERT INTO impactrelay.delivery_attempts
		(id, delivery_id, cycle, attempt_number, started_at, ended_at, outcome, http_status, error_detail, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, id, a.Cycle, a.AttemptNumber, a.StartedAt.UTC(), a.EndedAt.UTC(),
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

func queryDeliveries(ctx context.Context, q querier, query string, args ...any) ([]delivery.Delivery, error) {
	rows, err := q.Query(ctx, query, args...)
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

func scanDelivery(row pgx.Row) (*delivery.Delivery, error) {
	var (
		d                delivery.Delivery
		platform, status string
		lastErr          []byte
	)
	err := row.Scan(&d.ID, &d.TenantID, &platform, &d.Period, &status, &d.AttemptCount, &d.MaxAttempts, &d.Cycle,
		&d.NextAttemptAt, &d.ReadyAt, &d.CompletedAt, &lastErr, &d.PayloadSnapshotRef, &d.ExternalRef,
		&d.PartnerRef, &d.ReuseSnapshot, &d.ClaimedAt, &d.ClaimedBy, &d.ClaimToken, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan delivery")
	}
	d.Platform, d.Status = delivery.Platform(platform), delivery.Status(status)
	d.ReadyAt, d.CreatedAt, d.UpdatedAt = d.ReadyAt.UTC(), d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	d.NextAttemptAt, d.CompletedAt, d.ClaimedAt = utcPtr(d.NextAttemptAt), utcPtr(d.CompletedAt), utcPtr(d.ClaimedAt)
	if len(lastErr) > 0 {
		var e delivery.ErrorSummary
		if err := json.Unmarshal(lastErr, &e); err != nil {
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

func tsArg(t time.Time) any { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
