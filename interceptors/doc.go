// Package interceptors provides the interceptor chain wrapped around event
// handlers.
//
// Interceptors add cross-cutting concerns to envelope handling without
// touching the handlers themselves:
//   - Interceptor interface and InterceptorChain
//   - LoggingInterceptor: logs processing with timing information
//   - RecoveryInterceptor: turns handler panics into a Nack
//   - ValidationInterceptor: rejects envelopes that fail validation
//   - TracingInterceptor: an OpenTelemetry consumer span per envelope
//   - MetricsInterceptor: OpenTelemetry handler latency and nack counters
//   - FilteringInterceptor and ConditionalInterceptor with composable filters
//
// Example usage:
//
//	metrics, err := interceptors.NewMetricsInterceptor(nil)
//	if err != nil {
//		return err
//	}
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewTracingInterceptor(nil), metrics).
//		Add(interceptors.NewLoggingInterceptor(logger))
//
//	ack := chain.Execute(ctx, env, handler)
//
// Interceptors run in the order they are added; the first added is the
// outermost.
package interceptors
