// Command fake-partner stands in for a CSR platform during local runs and
// end-to-end tests. It verifies report signatures, fails the first N
// requests, and can post a signed confirmation back to the relay.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/austindbirch/impact_relay/internal/config"
	"github.com/austindbirch/impact_relay/internal/confirm"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/partner"
	"github.com/austindbirch/impact_relay/internal/signature"
)

func main() {
	envFile := flag.String("env-file", "", "optional KEY=VALUE file loaded before the environment (default $CONFIG_ENV_FILE)")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := config.FromEnv()
	logger := logging.New("fake-partner")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPartner(cfg.FakePartner, logger)
	srv := &http.Server{Addr: cfg.FakePartner.Port, Handler: p.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().
		WithField("addr", cfg.FakePartner.Port).
		WithField("fail_first_n", cfg.FakePartner.FailFirstN).
		WithField("callback", cfg.FakePartner.CallbackURL != "").
		Info("fake partner listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake partner failed")
	}
	p.wait()
}

type fakePartner struct {
	cfg    config.FakePartner
	leeway time.Duration
	delay  time.Duration
	client *http.Client
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	requests int

	callbacks sync.WaitGroup
}

func newPartner(cfg config.FakePartner, logger *logging.Logger) *fakePartner {
	if cfg.FailStatus == 0 {
		cfg.FailStatus = http.StatusServiceUnavailable
	}
	if cfg.Platform == "" {
		cfg.Platform = "benevity"
	}
	leeway := time.Duration(cfg.LeewaySeconds) * time.Second
	if leeway <= 0 {
		leeway = 5 * time.Minute
	}
	return &fakePartner{
		cfg:    cfg,
		leeway: leeway,
		delay:  time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

func (p *fakePartner) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("POST /reports", p.handleReport)
	return mux
}

func (p *fakePartner) handleReport(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests++
	n := p.requests
	p.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	deliveryID := r.Header.Get(partner.DeliveryHeader)
	log := p.logger.Plain().WithDelivery(deliveryID).WithField("request", n)

	if p.cfg.Secret != "" {
		sig := r.Header.Get(signature.DefaultSignatureHeader)
		ts := r.Header.Get(signature.DefaultTimestampHeader)
		if err := signature.Verify(p.cfg.Secret, body, sig, ts, p.now(), p.leeway); err != nil {
			log.WithError(err).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-r.Context().Done():
			return
		}
	}

	if n <= p.cfg.FailFirstN {
		log.WithField("status", p.cfg.FailStatus).Info("failing report on purpose")
		http.Error(w, "temporary failure", p.cfg.FailStatus)
		return
	}

	// The relay stores the returned reference and matches confirmations on it.
	ref := deliveryID
	if ref == "" {
		ref = "fp_" + ulid.Make().String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(partner.ReferenceHeader, ref)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"reference": ref, "status": "accepted"})
	log.WithField("reference", ref).WithField("bytes", len(body)).Info("report accepted")

	if p.cfg.CallbackURL != "" {
		p.callbacks.Add(1)
		go func() {
			defer p.callbacks.Done()
			if err := p.confirm(context.Background(), ref, "delivered"); err != nil {
				log.WithError(err).Warn("confirmation callback failed")
			}
		}()
	}
}

// confirm posts a signed confirmation for ref to the relay webhook.
func (p *fakePartner) confirm(ctx context.Context, ref, status string) error {
	body, sig, ts, err := confirm.Sign(p.cfg.Secret, confirm.Body{ExternalRef: ref, Status: status}, p.now())
	if err != nil {
		return err
	}
	url := strings.TrimRight(p.cfg.CallbackURL, "/") + "/webhooks/" + p.cfg.Platform
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.DefaultSignatureHeader, sig)
	req.Header.Set(signature.DefaultTimestampHeader, ts)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (p *fakePartner) wait() { p.callbacks.Wait() }
