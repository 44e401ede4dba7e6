// Package comfy is the client for the hosted application's management API:
// readiness probing, whitelisted catalogs, queue-based node and model
// installs, git-URL installs, direct-URL installs and the restart trigger.
//
// The API is served behind a proxy that returns 5xx while the node warms up,
// so enqueue operations retry transient statuses with bounded exponential
// backoff.
package comfy
