// Package worker runs code in isolated execution contexts reached only
// through a bridge link.
//
// A Worker owns a child bridge context. The host calls exported functions
// and classes from a Library by Ref ("module#name"); arguments and results
// travel as JSON and links can be moved along with a call. Remote objects
// are proxies that keep their worker alive until released. Errors and
// panics inside the worker reach the caller as RemoteExceptions with the
// worker-side stack; a panic outside any call crashes the worker.
//
// A Pool lends workers from a bounded set and replaces crashed ones.
package worker
