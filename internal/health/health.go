package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is satisfied by both delivery stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), p)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Check pings the store with a one second budget.
func Check(ctx context.Context, p Pinger) Status {
	st := Status{OK: true, Message: "ok", Database: true}
	if p == nil {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: "db ping failed", Database: false}
	}
	return st
}

// Watch keeps the gRPC health status of service in sync with the store until
// ctx is done.
func Watch(ctx context.Context, srv *health.Server, service string, p Pinger, every time.Duration) {
	set := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Check(ctx, p).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus(service, status)
	}
	set()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-t.C:
			set()
		}
	}
}
