package discount

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type engineMetrics struct {
	intents       metric.Int64Counter
	issued        metric.Int64Counter
	redeemed      metric.Int64Counter
	compensations metric.Int64Counter
}

func newEngineMetrics(m metric.Meter) (*engineMetrics, error) {
	var (
		em  engineMetrics
		err error
	)
	if em.intents, err = m.Int64Counter("discount.intents.created",
		metric.WithDescription("Discount intents persisted and externalized"),
	); err != nil {
		return nil, err
	}
	if em.issued, err = m.Int64Counter("discount.codes.issued",
		metric.WithDescription("Discount codes created on the commerce platform"),
	); err != nil {
		return nil, err
	}
	if em.redeemed, err = m.Int64Counter("discount.codes.redeemed",
		metric.WithDescription("Discount rows marked used by paid orders"),
	); err != nil {
		return nil, err
	}
	if em.compensations, err = m.Int64Counter("discount.compensations",
		metric.WithDescription("Intent batches rolled back after an externalization failure"),
	); err != nil {
		return nil, err
	}
	return &em, nil
}

func typeAttr(t Type) metric.AddOption {
	return metric.WithAttributes(attribute.String("type", string(t)))
}

func outcomeAttr(rolledBack bool) metric.AddOption {
	outcome := "rolled_back"
	if !rolledBack {
		outcome = "failed"
	}
	return metric.WithAttributes(attribute.String("outcome", outcome))
}
