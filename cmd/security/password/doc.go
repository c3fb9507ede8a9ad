// Package password hashes and verifies user passwords with Argon2id.
//
// Hashes use the PHC-style string
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Encoded hashes are untrusted input during Verify: malformed strings and
// parameters far above the configured cost are rejected before any work.
package password
