// Package main is the entry point for the Convoy front door.
//
// The process terminates end-user HTTP traffic for a shared upstream chat
// deployment, dispatches conversation requests to browser workers over
// persistent connections, and runs a TLS tunnel engine for worker egress.
//
// Architecture:
//
//	End users → HTTP front door → browser workers → upstream
//	Workers   → tunnel engine   → account egress proxies
//
// The server provides:
//   - Conversation dispatch with streaming relay
//   - Reverse proxying with body rewriting and credential substitution
//   - Per-token resource isolation backed by SQLite
//   - TLS interception with a locally persisted root CA
//   - Rate limiting and Prometheus metrics
//
// Configuration is environment-variable driven (12-factor); see the
// infrastructure/config package for every knob and its default.
package main
