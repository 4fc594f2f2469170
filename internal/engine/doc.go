// Package engine assembles the backtest scheduler. It owns the worker
// registry, the progress relay, the dispatch loop, the liveness monitor and
// the worker gateway, and exposes the submission, cancel and query
// operations used by the HTTP API.
package engine
