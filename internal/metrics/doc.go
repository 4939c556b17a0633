// Copyright (c) Intrascale Authors.
// Licensed under the MIT License.

/*
Package metrics provides Prometheus instrumentation for one node,
covering discovery, membership, transport, scheduling, worker
execution and the HTTP status surface.

# Overview

Collector registers every instrument on a registry of its own, so
several nodes can share a process (tests, embedded use) without
duplicate-registration panics. The registry is exposed for the
/metrics endpoint; record methods are nil-safe by convention at the
call sites, which treat a nil *Collector as metrics-off.

# Naming

Instruments follow the <namespace>_<subsystem>_<name> convention, e.g.
intrascale_discovery_announcements_sent_total or
intrascale_scheduler_tasks_running.
*/
package metrics
