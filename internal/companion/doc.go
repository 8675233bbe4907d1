// Package companion runs the process on the far side of the global
// transport.
//
// The host side spawns the companion with Spawn, which hands it a pipe
// pair on fds 3 and 4 (or dials it over websocket), attaches the transport
// to a bridge context and supervises the process. The companion side is
// Serve: it attaches the transport it was given and declares the echo,
// sha256 and log sink ports until the host goes away.
package companion
