// Package api is the node's HTTP status surface: the peer and job
// tables, job submission and cancellation, a WebSocket event feed,
// Prometheus metrics and health probes.
//
// The handlers render state the membership registry and scheduler
// already hold; the only mutating endpoints are POST /v1/jobs and
// POST /v1/jobs/{id}/cancel, both thin delegations to the scheduler.
package api
