// Package authclient is the Go counterpart of the browser auth context.
//
// A Controller holds the current user and session for one client, talks to
// the /api/auth endpoints through a cookie jar, and never returns transport
// errors to its callers: every failure lands in State.Error instead. Role
// and permission helpers are for UI gating only; the server stays
// authoritative.
package authclient
