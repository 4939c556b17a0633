// Command intrascale runs one node of an Intrascale cluster.
//
// A node discovers its LAN peers over UDP broadcast, advertises its
// hardware capacity, executes tasks dispatched by peers and schedules
// its own jobs across the cluster. The serve command starts the full
// node; status renders a peer/job snapshot from a running node's HTTP
// surface.
package main
