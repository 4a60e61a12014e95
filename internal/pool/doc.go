// Package pool owns the worker processes of one engine instance. It spawns
// workers by re-executing a binary with the worker marker set, tracks each
// worker's lifecycle state, resizes the set between runs, dispatches task
// envelopes, and terminates workers on shutdown.
//
// Each worker talks to the controller over two pipes inherited as file
// descriptors 3 (requests) and 4 (replies); stdout and stderr are forwarded
// into the controller's logger.
package pool
