package password

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds acceptable passwords.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Hasher hashes and verifies passwords under one parameter set and policy.
type Hasher struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultHasher returns the production baseline: 64 MiB, t=3, p in [1..4].
func DefaultHasher() Hasher {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Hasher{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 12,
			MaxLength: 256,
		},
	}
}

const (
	keyMinLen         = "VITALIS_PASSWORD_MIN_LEN"
	keyMaxLen         = "VITALIS_PASSWORD_MAX_LEN"
	keyRejectVeryWeak = "VITALIS_PASSWORD_REJECT_VERY_WEAK"
	keyMemoryKiB      = "VITALIS_ARGON2_MEMORY_KIB"
	keyIterations     = "VITALIS_ARGON2_ITERATIONS"
	keyParallelism    = "VITALIS_ARGON2_PARALLELISM"
	keySaltLen        = "VITALIS_ARGON2_SALT_LEN"
	keyKeyLen         = "VITALIS_ARGON2_KEY_LEN"
)

// LoadHasher builds a Hasher from v, falling back to DefaultHasher for unset keys.
//
// Keys:
//   - VITALIS_PASSWORD_MIN_LEN, VITALIS_PASSWORD_MAX_LEN
//   - VITALIS_PASSWORD_REJECT_VERY_WEAK
//   - VITALIS_ARGON2_MEMORY_KIB (8 MiB .. 1 GiB)
//   - VITALIS_ARGON2_ITERATIONS, VITALIS_ARGON2_PARALLELISM
//   - VITALIS_ARGON2_SALT_LEN, VITALIS_ARGON2_KEY_LEN
func LoadHasher(v *viper.Viper) (Hasher, error) {
	h := DefaultHasher()

	v.SetDefault(keyMinLen, h.Policy.MinLength)
	v.SetDefault(keyMaxLen, h.Policy.MaxLength)
	v.SetDefault(keyRejectVeryWeak, h.Policy.RejectVeryWeak)
	v.SetDefault(keyMemoryKiB, h.Params.MemoryKiB)
	v.SetDefault(keyIterations, h.Params.Iterations)
	v.SetDefault(keyParallelism, h.Params.Parallelism)
	v.SetDefault(keySaltLen, h.Params.SaltLength)
	v.SetDefault(keyKeyLen, h.Params.KeyLength)

	var err error
	if h.Policy.MinLength, err = intIn(v, keyMinLen, 1, 1024); err != nil {
		return Hasher{}, err
	}
	if h.Policy.MaxLength, err = intIn(v, keyMaxLen, 1, 4096); err != nil {
		return Hasher{}, err
	}
	h.Policy.RejectVeryWeak = v.GetBool(keyRejectVeryWeak)

	mem, err := intIn(v, keyMemoryKiB, 8*1024, 1024*1024)
	if err != nil {
		return Hasher{}, err
	}
	it, err := intIn(v, keyIterations, 1, 20)
	if err != nil {
		return Hasher{}, err
	}
	par, err := intIn(v, keyParallelism, 1, 64)
	if err != nil {
		return Hasher{}, err
	}
	salt, err := intIn(v, keySaltLen, 8, 64)
	if err != nil {
		return Hasher{}, err
	}
	klen, err := intIn(v, keyKeyLen, 16, 64)
	if err != nil {
		return Hasher{}, err
	}

	// #nosec G115 -- every value is range-checked above.
	h.Params = Argon2idParams{
		MemoryKiB:   uint32(mem),
		Iterations:  uint32(it),
		Parallelism: uint8(par),
		SaltLength:  uint32(salt),
		KeyLength:   uint32(klen),
	}

	if h.Policy.MinLength > h.Policy.MaxLength {
		return Hasher{}, fmt.Errorf("%w: min_len(%d) > max_len(%d)", ErrConfig, h.Policy.MinLength, h.Policy.MaxLength)
	}
	return h, nil
}

func intIn(v *viper.Viper, key string, minVal, maxVal int) (int, error) {
	n := v.GetInt(key)
	if n < minVal || n > maxVal {
		return 0, fmt.Errorf("%w: %s out of range [%d..%d]", ErrConfig, key, minVal, maxVal)
	}
	return n, nil
}
