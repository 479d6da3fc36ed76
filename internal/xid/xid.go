package xid

import "github.com/google/uuid"

// New returns a random identifier such as "jti-6f1c...". It is used where an
// opaque, collision-free id is needed outside the store's own sequences.
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
