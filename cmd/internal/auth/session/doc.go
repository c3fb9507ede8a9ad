// Package session implements server-side sessions for Vitalis.
//
// A session pairs an opaque session token (carried in an HttpOnly cookie)
// with an opaque refresh token. Stores index sessions by token digests only.
// The Service owns every rule: the per-user concurrency cap, expiry,
// refresh rotation, idempotent destruction and the periodic sweep. Stores
// are dumb persistence behind the Store interface (memory, Postgres, Redis).
package session
