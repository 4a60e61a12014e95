// Package registry maps function names to the functions workers execute.
//
// Closures cannot cross a process boundary, so a run names a function and
// each worker, being the same binary, resolves the name in its own copy of
// the table. Functions must therefore be registered at startup, before
// workers are spawned and before Init hands control to the worker loop.
package registry
