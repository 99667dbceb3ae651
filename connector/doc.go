// Package connector wraps network links and bus monitors with automatic
// reconnection.
//
// A Connector is created from a Factory and presents the same NetworkLink
// interface as the links it manages, so application code is unaware of the
// wrapper. When the underlying link is closed by the remote server or by an
// internal error, the connector schedules background reconnect attempts
// according to its policy; when a send hits a closed link it can connect on
// the spot. An explicit Close of the connector is terminal.
//
// Policy:
// The reconnect behavior is assembled from options at construction time:
// which close causes trigger reconnection (creation error, server
// disconnect, internal disconnect), the delay between attempts, the attempt
// budget per reconnect cycle and whether sends connect on demand. At most
// one connect attempt is in flight per connector; concurrent triggers wait
// for its outcome instead of racing the factory.
//
// State replay:
// Listeners registered on the connector, medium settings and the hop count
// set through it are reapplied to every newly created link, so the
// replacement is transparent apart from the close event of the old link.
//
// Scheduling:
// Delayed reconnects run on a Scheduler, a small timer service with a
// bounded worker pool. Connectors share the process wide DefaultScheduler
// unless one is injected with WithScheduler.
package connector
