// Package payment gates metered agent calls behind an injectable
// authorizer. The gate is deliberately fail-open: a broken billing backend
// must never take memory access down with it.
package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/tenant"
)

var checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mnemo_payment_checks_total",
	Help: "Payment gate outcomes for metered agent calls.",
}, []string{"outcome"})

// ErrRequired is returned when the authorizer declines a metered call.
var ErrRequired = errors.New("payment required")

// Decision is an authorizer verdict.
type Decision struct {
	Approved bool
	Reason   string
}

// Authorizer decides whether a metered call may proceed. Implementations
// talk to a billing backend; the default one just meters.
type Authorizer interface {
	Authorize(ctx context.Context, userID uuid.UUID, agentID string) (Decision, error)
}

// Meter approves every call while counting it. It stands in until a real
// billing integration is configured and keeps local development friction
// free.
type Meter struct{}

// Authorize implements Authorizer.
func (Meter) Authorize(context.Context, uuid.UUID, string) (Decision, error) {
	return Decision{Approved: true, Reason: "metered"}, nil
}

// Gate applies the payment policy: only free-tier, agent-authenticated
// calls consult the authorizer; owners and paid accounts pass through.
type Gate struct {
	authorizer Authorizer
	enabled    bool
	logger     *zap.Logger
}

// NewGate creates a Gate. A nil authorizer or enabled=false disables the
// gate entirely.
func NewGate(authorizer Authorizer, enabled bool, logger *zap.Logger) *Gate {
	return &Gate{authorizer: authorizer, enabled: enabled, logger: logger}
}

// Check returns ErrRequired when the authorizer declines the call and nil
// in every other case, including authorizer failure.
func (g *Gate) Check(ctx context.Context, userID uuid.UUID, agentID string, tier tenant.Tier) error {
	if !g.enabled || g.authorizer == nil {
		return nil
	}
	if agentID == "" || tier == tenant.TierPaid {
		checksTotal.WithLabelValues("bypass").Inc()
		return nil
	}

	d, err := g.authorizer.Authorize(ctx, userID, agentID)
	if err != nil {
		checksTotal.WithLabelValues("failopen").Inc()
		g.logger.Warn("payment authorizer unavailable, allowing call",
			zap.String("user_id", userID.String()),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return nil
	}
	if !d.Approved {
		checksTotal.WithLabelValues("denied").Inc()
		return ErrRequired
	}
	checksTotal.WithLabelValues("approved").Inc()
	return nil
}
