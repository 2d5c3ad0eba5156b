// Package watcher runs the reconciliation loop: every cycle it lists the
// instance fleet, sweeps orphaned links, and per instance either surfaces a
// pairing link, forces re-pairing on a device mismatch, or waits.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/evolution"
)

// Gateway is the slice of the provider client the loop needs.
type Gateway interface {
	FetchInstances(ctx context.Context) []evolution.Instance
	FetchStatus(ctx context.Context, instance, apiKey string) evolution.QRStatus
	Logout(ctx context.Context, instance, apiKey string) (bool, string)
	SendText(ctx context.Context, number, text string) (bool, string)
}

// LinkManager is the slice of the link service the loop needs.
type LinkManager interface {
	GetOrCreateConnectLink(ctx context.Context, instance, apiKey string, ttl time.Duration) (token, url string, created bool, err error)
	CleanupOrphans(ctx context.Context, validNames []string) int
}

// linkMessage is the text delivered to the customer with the pairing link.
const linkMessage = "Hello! 👋 Connect your device to the WhatsApp agent 🔗.\n%s"

// Service is the reconciliation loop.
type Service struct {
	cfg     *config.Config
	gateway Gateway
	links   LinkManager

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService creates a watcher over the given gateway and link manager.
func NewService(cfg *config.Config, gateway Gateway, links LinkManager) *Service {
	return &Service{cfg: cfg, gateway: gateway, links: links}
}

// Start begins the loop in a background goroutine. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
	slog.Info("watcher started",
		"poll_interval", s.cfg.PollInterval,
		"fast_poll", s.cfg.FastPoll,
		"link_ttl", s.cfg.LinkTTL,
	)
}

// Stop halts the loop and waits for the in-flight cycle to finish its
// current instance.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	done := s.done
	s.mu.Unlock()

	<-done
	slog.Info("watcher stopped")
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(0) // first cycle runs immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			delay := s.RunCycle(ctx)
			if ctx.Err() != nil {
				return
			}
			timer.Reset(delay)
		}
	}
}

// RunCycle performs one full pass over the fleet and returns the delay until
// the next pass. Exported so tests can drive cycles directly.
func (s *Service) RunCycle(ctx context.Context) time.Duration {
	cycleID := uuid.NewString()[:8]
	log := slog.With("cycle", cycleID)

	instances := s.gateway.FetchInstances(ctx)
	if len(instances) == 0 {
		log.Info("no instances returned, waiting")
	}

	// Cleanup runs even on an empty listing so decommissioned fleets drain.
	names := make([]string, 0, len(instances))
	for _, in := range instances {
		names = append(names, in.Name)
	}
	if removed := s.links.CleanupOrphans(ctx, names); removed > 0 {
		log.Info("orphan links swept", "removed", removed)
	}

	delay := s.cfg.PollInterval
	for _, in := range instances {
		if ctx.Err() != nil {
			// Graceful shutdown: finish nothing further this cycle.
			return delay
		}
		if d := s.reconcileInstance(ctx, log, in); d > 0 && d < delay {
			delay = d
		}
	}
	return delay
}

// reconcileInstance runs the decision procedure for one instance. The
// returned duration, when positive, lower-bounds this cycle's next delay.
// A single instance's failure never aborts the cycle.
func (s *Service) reconcileInstance(ctx context.Context, log *slog.Logger, in evolution.Instance) time.Duration {
	log = log.With("instance", in.Name)

	// Always poll the live status before acting; the listing hint alone is
	// too coarse to drive QR issuance.
	status := s.gateway.FetchStatus(ctx, in.Name, in.APIKey)

	// First match wins. A connected-looking listing hint routes into the
	// mismatch check even when the poll itself came back inconclusive.
	switch {
	case status.Kind == evolution.StatusQRCode:
		s.handleQR(ctx, log, in)

	case status.Kind == evolution.StatusConnected ||
		in.StatusHint == "open" || in.StatusHint == "connected":
		s.handleConnected(ctx, log, in)

	case status.Kind == evolution.StatusUnknown:
		log.Info("status unknown", "raw", string(status.Raw))

	case status.Kind == evolution.StatusError:
		log.Error("status poll failed", "message", status.Message)

	default:
		return s.handleWaiting(log, in)
	}

	return 0
}

// handleQR surfaces a pairing link. Never logs out in this state: a visible
// QR means the device is unbound and there is nothing to log out from.
func (s *Service) handleQR(ctx context.Context, log *slog.Logger, in evolution.Instance) {
	token, url, created, err := s.links.GetOrCreateConnectLink(ctx, in.Name, in.APIKey, s.cfg.LinkTTL)
	if err != nil {
		log.Error("connect link unavailable", "error", err)
		return
	}
	if !created {
		log.Debug("connect link already live, nothing to send", "token", token)
		return
	}

	number := evolution.NormalizeNumber(in.RegisteredNumber)
	if number == "" {
		log.Warn("no registered number, link issued but not sent", "url", url)
		return
	}

	ok, detail := s.gateway.SendText(ctx, number, formatLinkMessage(url))
	if ok {
		log.Info("pairing link sent", "number", number)
	} else {
		log.Error("pairing link delivery failed", "number", number, "detail", detail)
	}
}

// handleConnected verifies the bound device matches the registered number and
// forces re-pairing when it does not.
func (s *Service) handleConnected(ctx context.Context, log *slog.Logger, in evolution.Instance) {
	registered := evolution.NormalizeNumber(in.RegisteredNumber)
	owner := evolution.NormalizeNumber(evolution.NumberFromJID(in.OwnerJID))

	if registered == "" || owner == "" || registered == owner {
		log.Debug("connected, no divergence")
		return
	}

	log.Warn("device number diverges from registration, forcing logout",
		"registered", registered, "owner", owner)
	ok, detail := s.gateway.Logout(ctx, in.Name, in.APIKey)
	if !ok {
		log.Error("logout failed, will retry next cycle", "detail", detail)
		return
	}
	log.Info("logout done", "detail", detail)

	// Pre-empt the next cycle: the instance needs a fresh link right away.
	if _, _, _, err := s.links.GetOrCreateConnectLink(ctx, in.Name, in.APIKey, s.cfg.LinkTTL); err != nil {
		log.Error("post-logout link issuance failed", "error", err)
	}
}

// handleWaiting covers the not-connected, no-QR case. A "connecting" hint
// shrinks the next poll so the QR is caught as soon as it appears.
func (s *Service) handleWaiting(log *slog.Logger, in evolution.Instance) time.Duration {
	if in.StatusHint == "connecting" {
		log.Info("connecting, fast-following for the QR")
		return s.cfg.FastPoll
	}
	log.Debug("not connected", "hint", in.StatusHint)
	return 0
}

func formatLinkMessage(url string) string {
	return fmt.Sprintf(linkMessage, url)
}
