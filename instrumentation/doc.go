// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the engine.
//
// It is the operational telemetry sink: metrics and traces describe how the engine
// performs (decisions, store latency, cleanup volume), while security-relevant
// occurrences go through security.Sink as events.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "apiguard",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	store.SetInstrumentation(inst)
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:              true,
//		MetricExporter:       instrumentation.ExporterPrometheus,
//		PrometheusRegisterer: registry,
//	})
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// # Disabled Mode
//
// With Enabled false every provider is a no-op and recording costs nothing.
//
// # Privacy
//
// Client IPs are only attached to spans when LogClientIPs is set. Token values are
// never recorded; use fingerprints.
package instrumentation
