// Package observability provides structured logging and Prometheus metrics
// for the TimeFly control plane.
//
// This package implements:
//   - zap logger construction from configuration
//   - Request-scoped loggers carried on the context
//   - Prometheus collectors for credential resolution, rotation, API key
//     verification, rate limiting and the capability cache
//   - HTTP instrumentation middleware
package observability
