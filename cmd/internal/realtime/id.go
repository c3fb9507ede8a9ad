package realtime

import (
	"time"

	"vitalis/cmd/identity/ids"
)

// NewEnvelopeID returns a ULID used as envelope and connection id.
// An entropy failure yields "" and the envelope goes out without an id.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
