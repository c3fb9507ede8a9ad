// Package authapi exposes the session subsystem over HTTP.
//
// Routes are registered on a gorilla/mux router. Every response uses the
// envelope from shared/contracts/auth/v1. Expected negatives (bad
// credentials, missing or expired sessions) map to structured error codes;
// unexpected failures are logged and reported as SERVER_ERROR without detail.
package authapi
