// Package hub carries live-update traffic between websocket sessions.
//
// Two pieces cooperate: Registry tracks every open connection's private
// outbound queue under a random 128-bit id, and Hub republishes binary
// payloads to all current subscribers. Publishing never blocks: a
// subscriber that stops draining loses its oldest pending messages and
// is told how many it skipped, exactly once, before delivery resumes.
//
// Locks in this package are held only for single map or buffer
// operations, never across a send, so session teardown cannot deadlock
// against a concurrent publish.
package hub
