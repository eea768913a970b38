package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/impact_relay/internal/auth"
	"github.com/austindbirch/impact_relay/internal/confirm"
	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/metrics"
	"github.com/austindbirch/impact_relay/internal/replay"
	"github.com/austindbirch/impact_relay/internal/sla"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type listResponse struct {
	Deliveries []delivery.Delivery `json:"deliveries"`
	Count      int                 `json:"count"`
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	ds, err := s.cfg.Store.ListDeliveries(r.Context(), q)
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	if ds == nil {
		ds = []delivery.Delivery{}
	}
	writeJSON(w, http.StatusOK, listResponse{Deliveries: ds, Count: len(ds)})
}

func parseQuery(r *http.Request) (delivery.Query, error) {
	v := r.URL.Query()
	q := delivery.Query{
		TenantID:   v.Get("tenant_id"),
		Period:     v.Get("period"),
		PeriodFrom: v.Get("period_from"),
		PeriodTo:   v.Get("period_to"),
		Limit:      defaultListLimit,
	}
	if p := v.Get("platform"); p != "" {
		platform, err := delivery.ParsePlatform(p)
		if err != nil {
			return q, err
		}
		q.Platform = platform
	}
	statuses, err := parseStatuses(v["status"])
	if err != nil {
		return q, err
	}
	q.Statuses = statuses
	if q.Limit, err = intParam(v.Get("limit"), "limit", defaultListLimit); err != nil {
		return q, err
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset, err = intParam(v.Get("offset"), "offset", 0); err != nil {
		return q, err
	}
	return q, nil
}

// parseStatuses accepts repeated and comma separated values.
func parseStatuses(raw []string) ([]delivery.Status, error) {
	var out []delivery.Status
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := delivery.ParseStatus(part)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
	}
	return out, nil
}

func intParam(raw, name string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &delivery.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

type createRequest struct {
	TenantID    string `json:"tenant_id"`
	Platform    string `json:"platform"`
	Period      string `json:"period"`
	ReadyAt     string `json:"ready_at,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

func (s *Server) createDelivery(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	platform, err := delivery.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	nr := delivery.NewRequest{
		TenantID:    req.TenantID,
		Platform:    platform,
		Period:      req.Period,
		MaxAttempts: req.MaxAttempts,
	}
	if nr.MaxAttempts == 0 {
		nr.MaxAttempts = s.maxAttempts(platform)
	}
	if req.ReadyAt != "" {
		if nr.ReadyAt, err = time.Parse(time.RFC3339, req.ReadyAt); err != nil {
			writeError(w, r, s.cfg.Logger, &delivery.ValidationError{Field: "ready_at", Reason: "must be RFC3339"})
			return
		}
	}

	d, err := delivery.New(nr, s.cfg.Now())
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	if err := s.cfg.Store.CreateDelivery(r.Context(), d); err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	metrics.RecordDeliveryCreated(string(d.Platform))
	s.cfg.Logger.WithContext(r.Context()).
		WithDelivery(d.ID).
		WithTenant(d.TenantID).
		WithPlatform(string(d.Platform)).
		WithField("period", d.Period).
		Info("delivery created")
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) maxAttempts(p delivery.Platform) int {
	if n := s.cfg.MaxAttempts[p]; n > 0 {
		return n
	}
	return 5
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request, params map[string]string) {
	d, err := s.cfg.Store.GetDelivery(r.Context(), params["id"])
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type replayBody struct {
	Reason        string `json:"reason"`
	ReuseSnapshot bool   `json:"reuse_snapshot"`
}

type bulkReplayBody struct {
	replayBody
	TenantID   string   `json:"tenant_id"`
	Platform   string   `json:"platform"`
	PeriodFrom string   `json:"period_from"`
	PeriodTo   string   `json:"period_to"`
	Statuses   []string `json:"statuses"`
	AllFailed  bool     `json:"all_failed"`
}

func (b bulkReplayBody) filter() (replay.Filter, error) {
	statuses, err := parseStatuses(b.Statuses)
	if err != nil {
		return replay.Filter{}, err
	}
	return replay.Filter{
		TenantID:   b.TenantID,
		Platform:   delivery.Platform(strings.ToLower(strings.TrimSpace(b.Platform))),
		PeriodFrom: b.PeriodFrom,
		PeriodTo:   b.PeriodTo,
		Statuses:   statuses,
		AllFailed:  b.AllFailed,
	}, nil
}

func (s *Server) replayOne(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body replayBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	s.replay(w, r, replay.Filter{DeliveryID: params["id"]}, body)
}

func (s *Server) bulkReplay(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body bulkReplayBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	f, err := body.filter()
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	s.replay(w, r, f, body.replayBody)
}

func (s *Server) retryAllFailed(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body bulkReplayBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	if len(body.Statuses) > 0 {
		writeError(w, r, s.cfg.Logger, &delivery.ValidationError{Field: "statuses", Reason: "not accepted by retry-all-failed"})
		return
	}
	body.AllFailed = true
	f, err := body.filter()
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	s.replay(w, r, f, body.replayBody)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request, f replay.Filter, body replayBody) {
	operator, ok := auth.OperatorFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "operator identity required")
		return
	}
	res, err := s.cfg.Replay.Replay(r.Context(), replay.Request{
		Filter:        f,
		InitiatedBy:   operator,
		Reason:        body.Reason,
		ReuseSnapshot: body.ReuseSnapshot,
	})
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) slaStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rep, err := s.cfg.SLA.Status(r.Context())
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) slaReport(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	v := r.URL.Query()
	win, err := sla.ParseWindow(v.Get("window"), v.Get("from"), v.Get("to"), s.cfg.Now())
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	rep, err := s.cfg.SLA.Report(r.Context(), win)
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type timelineResponse struct {
	Events []delivery.TimelineEvent `json:"events"`
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q, err := parseTimelineQuery(r)
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	ctx := r.Context()
	if q.DeliveryID != "" {
		if _, err := s.cfg.Store.GetDelivery(ctx, q.DeliveryID); err != nil {
			writeError(w, r, s.cfg.Logger, err)
			return
		}
	}
	attempts, err := s.cfg.Store.ListAttempts(ctx, q)
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	replays, err := s.cfg.Store.ListReplays(ctx, q)
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, timelineResponse{Events: delivery.BuildTimeline(attempts, replays)})
}

func parseTimelineQuery(r *http.Request) (delivery.TimelineQuery, error) {
	v := r.URL.Query()
	q := delivery.TimelineQuery{
		DeliveryID: v.Get("delivery_id"),
		TenantID:   v.Get("tenant_id"),
	}
	if p := v.Get("platform"); p != "" {
		platform, err := delivery.ParsePlatform(p)
		if err != nil {
			return q, err
		}
		q.Platform = platform
	}
	if q.DeliveryID == "" && q.TenantID == "" && q.Platform == "" {
		return q, &delivery.ValidationError{Field: "delivery_id", Reason: "delivery_id, tenant_id or platform is required"}
	}
	for _, tp := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := v.Get(tp.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, &delivery.ValidationError{Field: tp.name, Reason: "must be RFC3339"}
		}
		*tp.dst = t
	}
	var err error
	if q.Limit, err = intParam(v.Get("limit"), "limit", 1000); err != nil {
		return q, err
	}
	return q, nil
}

type webhookResponse struct {
	Outcome    confirm.Outcome `json:"outcome"`
	DeliveryID string          `json:"delivery_id"`
	Status     delivery.Status `json:"status"`
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request, params map[string]string) {
	platform, err := delivery.ParsePlatform(params["platform"])
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, s.cfg.Logger, &delivery.ValidationError{Field: "body", Reason: "unreadable"})
		return
	}
	res, err := s.cfg.Confirm.Apply(r.Context(), confirm.Confirmation{
		Platform:  platform,
		Body:      body,
		Signature: r.Header.Get(s.cfg.SignatureHeader),
		Timestamp: r.Header.Get(s.cfg.TimestampHeader),
	})
	if err != nil {
		writeError(w, r, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Outcome: res.Outcome, DeliveryID: res.Delivery.ID, Status: res.Delivery.Status})
}
