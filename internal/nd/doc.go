// Package nd implements the host side of 6LoWPAN Neighbor Discovery
// (RFC 6775 on top of RFC 4861) as a reference implementation for
// conformance testing.
//
// This includes the discrete-event Scheduler, cooperative Processes, the
// message dispatch substrate, router discovery, per-router address
// registration and the Node composition root.
package nd
