package observability

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(NewRegistry),
	fx.Provide(NewPipelineMetrics),
	fx.Provide(NewMeterProvider),
	// Force construction so the OTLP exporter starts even though no
	// provider consumes the meter provider directly.
	fx.Invoke(func(*sdkmetric.MeterProvider) {}),
)
