// Copyright (c) Intrascale Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type definitions of the Intrascale
cluster runtime.

# Overview

types is the bottom-most public package. It depends on no internal
package and supplies the common contracts consumed by discovery,
membership, scheduler, worker, transport and api. Everything shared
across package boundaries lives here to avoid import cycles.

# Core types

  - NodeID / JobID / TaskID: process, job and task identities
  - PeerRecord / PeerState: one peer's liveness record (joining /
    alive / suspect / dead)
  - CapacitySnapshot: immutable hardware reading, replaced
    wholesale on each advertisement
  - ResourceHint: per-task placement hint, never a
    reservation
  - TaskState / JobState: task and job lifecycles
  - Envelope / MessageType: the wire unit shared by UDP discovery
    datagrams and framed TCP messages
  - Error / ErrorCode: structured error taxonomy with
    Retryable and per-node tagging

# Capabilities

  - Context propagation: WithNodeID / WithJobID / WithTaskID
  - Error tooling: AsError / IsErrorCode / IsRetryable / GetErrorCode
  - Wire payloads: Announcement, TaskDispatch, TaskAck, TaskResult,
    TaskFailure, TaskCancel
*/
package types
