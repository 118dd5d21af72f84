package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bmdtechnologies/portal/internal/chat"
	"github.com/bmdtechnologies/portal/internal/messaging"
	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/wizard"
)

// Metrics holds OTel metric instruments for the portal.
type Metrics struct {
	WizardTransitions metric.Int64Counter
	WizardOperations  metric.Int64Counter
	ChatReplies       metric.Int64Counter
	Dispatches        metric.Int64Counter
	RateLimited       metric.Int64Counter
}

// NewMetrics creates the portal metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("portal"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	transitions, err := meter.Int64Counter("portal.wizard.transitions",
		metric.WithDescription("Number of wizard step transitions"),
	)
	if err != nil {
		return nil, err
	}

	operations, err := meter.Int64Counter("portal.wizard.operations",
		metric.WithDescription("Number of wizard operations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	replies, err := meter.Int64Counter("portal.chat.replies",
		metric.WithDescription("Number of scripted chat replies by rule"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("portal.messaging.dispatches",
		metric.WithDescription("Number of outgoing messages by channel and status"),
	)
	if err != nil {
		return nil, err
	}

	limited, err := meter.Int64Counter("portal.ratelimit.rejections",
		metric.WithDescription("Number of requests rejected by a rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		WizardTransitions: transitions,
		WizardOperations:  operations,
		ChatReplies:       replies,
		Dispatches:        dispatches,
		RateLimited:       limited,
	}, nil
}

// RecordTransition records a wizard step change.
func (m *Metrics) RecordTransition(ctx context.Context, flow models.FlowKind, from, to models.Step) {
	m.WizardTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("flow", string(flow)),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		),
	)
}

// RecordOperation records a finished wizard operation.
func (m *Metrics) RecordOperation(ctx context.Context, flow models.FlowKind, action wizard.Action, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.WizardOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("flow", string(flow)),
			attribute.String("action", string(action)),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordChatReply records a scripted reply.
func (m *Metrics) RecordChatReply(ctx context.Context, kind models.ChatKind, rule string) {
	m.ChatReplies.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("rule", rule),
		),
	)
}

// RecordDispatch records a delivery attempt.
func (m *Metrics) RecordDispatch(ctx context.Context, channel models.Channel, kind string, status models.MessageStatus) {
	m.Dispatches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", string(channel)),
			attribute.String("kind", kind),
			attribute.String("status", string(status)),
		),
	)
}

// RecordRateLimited records a rejected request.
func (m *Metrics) RecordRateLimited(ctx context.Context, scope string) {
	m.RateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// WizardHooks returns wizard observers feeding these metrics.
func (m *Metrics) WizardHooks() wizard.Hooks {
	return wizard.Hooks{
		OnTransition: func(flow models.FlowKind, from, to models.Step) {
			m.RecordTransition(context.Background(), flow, from, to)
		},
		OnOperation: func(flow models.FlowKind, action wizard.Action, err error) {
			m.RecordOperation(context.Background(), flow, action, err)
		},
	}
}

// ChatHooks returns chat observers feeding these metrics.
func (m *Metrics) ChatHooks() chat.Hooks {
	return chat.Hooks{
		OnReply: func(kind models.ChatKind, rule string) {
			m.RecordChatReply(context.Background(), kind, rule)
		},
	}
}

// DispatchHooks returns delivery observers feeding these metrics.
func (m *Metrics) DispatchHooks() messaging.DispatchHooks {
	return messaging.DispatchHooks{
		OnDispatch: func(channel models.Channel, kind string, status models.MessageStatus) {
			m.RecordDispatch(context.Background(), channel, kind, status)
		},
	}
}
