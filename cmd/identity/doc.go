// Package identity is the Vitalis user directory.
//
// It defines the User principal, the ordered role hierarchy with its static
// permission table, the Directory persistence boundary (memory and Postgres
// implementations), and credential checks against Argon2id hashes.
package identity
