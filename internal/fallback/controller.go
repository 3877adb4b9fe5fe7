// Package fallback decides what happens to a call when the speech engine
// can no longer serve it.
package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/soyeahso/callrelay/internal/alert"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/metrics"
)

const notifyTimeout = 10 * time.Second

// Directory resolves per-store fallback configuration.
type Directory interface {
	FallbackExtension(ctx context.Context, cc domain.CallContext) (string, error)
}

// Notifier delivers admin alerts.
type Notifier interface {
	NotifyAdmin(ctx context.Context, a alert.Alert) error
}

// Target is the call being rescued.
type Target interface {
	Call() domain.CallContext
	// TransferCall moves the session to ending and issues one transfer
	// control to the transport.
	TransferCall(ctx context.Context, extension, reason string) error
	// Complete finishes an ending session.
	Complete(reason string)
	// Fail marks the session failed and tears down the upstream connection.
	Fail(reason string)
}

// Controller applies the fallback policy.
type Controller struct {
	dir      Directory
	notifier Notifier
	grace    time.Duration
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// New creates a controller. notifier may be nil.
func New(dir Directory, notifier Notifier, grace time.Duration, log *logging.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		dir:      dir,
		notifier: notifier,
		grace:    grace,
		log:      log.Sub("fallback"),
		metrics:  m,
	}
}

// Handle runs the policy for an upstream failure. A configured extension
// means transfer then ended; no extension means failed. The admin alert is
// sent after the decision has been carried out and cannot change it.
func (c *Controller) Handle(ctx context.Context, t Target, cause error) domain.FallbackDecision {
	cc := t.Call()
	log := c.log.ForCall(cc.CallID)
	reason := "speech engine failure"
	if cause != nil {
		reason = cause.Error()
	}

	ext, err := c.dir.FallbackExtension(ctx, cc)
	if err != nil {
		log.Warn().Err(err).Msg("fallback extension lookup failed; treating as unset")
		ext = ""
	}

	var decision domain.FallbackDecision
	if ext != "" {
		decision = c.transfer(ctx, t, ext, reason)
	} else {
		decision = domain.FallbackDecision{Action: domain.FallbackTerminate, Reason: reason}
		t.Fail(reason)
	}
	c.metrics.RecordFallback(decision.Action)
	log.Warn().
		Str("action", decision.Action).
		Str("extension", decision.Extension).
		Str("reason", reason).
		Msg("fallback applied")

	c.notify(ctx, cc, cause, decision)
	return decision
}

// Transfer hands the caller to a human at ext. It is the path taken when the
// agent itself asks for a transfer; no admin alert is sent.
func (c *Controller) Transfer(ctx context.Context, t Target, ext, reason string) domain.FallbackDecision {
	d := c.transfer(ctx, t, ext, reason)
	c.metrics.RecordFallback("agent_transfer")
	return d
}

func (c *Controller) transfer(ctx context.Context, t Target, ext, reason string) domain.FallbackDecision {
	if err := t.TransferCall(ctx, ext, reason); err != nil {
		c.log.ForCall(t.Call().CallID).Error().Err(err).Str("extension", ext).Msg("transfer control failed")
	}
	if c.grace <= 0 {
		t.Complete(reason)
	} else {
		time.AfterFunc(c.grace, func() { t.Complete(reason) })
	}
	return domain.FallbackDecision{Action: domain.FallbackTransfer, Extension: ext, Reason: reason}
}

func (c *Controller) notify(ctx context.Context, cc domain.CallContext, cause error, d domain.FallbackDecision) {
	if c.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	a := alert.Alert{
		CallID:    cc.CallID,
		TenantID:  cc.TenantID,
		StoreID:   cc.StoreID,
		ErrorType: errorType(cause),
		Message:   d.Reason,
		Action:    d.Action,
		Extension: d.Extension,
	}
	if err := c.notifier.NotifyAdmin(nctx, a); err != nil {
		c.log.ForCall(cc.CallID).Warn().Err(err).Msg("admin notification failed")
	}
}

// errorType classifies cause for the admin alert.
func errorType(cause error) string {
	var ue *domain.UpstreamError
	var te *domain.TransportError
	switch {
	case errors.As(cause, &ue):
		return ue.Type
	case errors.As(cause, &te):
		return "transport_error"
	case cause == nil:
		return "unknown"
	default:
		return "internal_error"
	}
}
