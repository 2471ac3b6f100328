// Package notifier delivers operator alerts.
//
// Every alert is logged. Alerts at or above the configured minimum severity
// are also queued for delivery to the operator chat through a transport
// adapter, behind a rate limiter, a retry policy and a dedup window.
//
// Notify never blocks on delivery and never returns delivery errors to the
// caller: a failing chat transport must not affect the publish pipeline.
package notifier
