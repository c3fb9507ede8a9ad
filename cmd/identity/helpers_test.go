package identity

import "vitalis/cmd/security/password"

// Cheap Argon2id parameters keep the suite fast.
func testHasher() password.Hasher {
	h := password.DefaultHasher()
	h.Params.MemoryKiB = 8 * 1024
	h.Params.Iterations = 1
	h.Params.Parallelism = 1
	h.Policy.MinLength = 8
	return h
}
