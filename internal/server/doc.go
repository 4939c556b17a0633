// Copyright (c) Intrascale Authors.
// Licensed under the MIT License.

/*
Package server provides HTTP server lifecycle management: non-blocking
start, graceful shutdown and signal handling.

# Overview

Manager wraps net/http.Server and owns listening, serving, shutdown
and error propagation. SIGINT/SIGTERM handling is built in so the
status surface stops cleanly with the rest of the node.

# Core types

  - Manager: holds the http.Server, the net.Listener and an async
    error channel; exposes Start/Shutdown/WaitForShutdown.
  - Config: listen address, read/write/idle timeouts, header limit
    and shutdown budget.
*/
package server
