package lifecycle

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// newReference generates a human-facing case reference: SR-<year>-<6 hex>.
// Uniqueness is enforced by the store; callers retry on collision.
func newReference(year int) (string, error) {
	var b [3]byte
	if _, err := crand.Read(b[:]); err != nil {
		return "", fmt.Errorf("reference entropy: %w", err)
	}
	return fmt.Sprintf("SR-%d-%s", year, strings.ToUpper(hex.EncodeToString(b[:]))), nil
}

// newInvitationToken mints a single-use invitation token and the digest under
// which it is stored. The plaintext leaves the system exactly once, in the
// case-creation response.
func newInvitationToken() (token, digest string, err error) {
	var b [32]byte
	if _, err := crand.Read(b[:]); err != nil {
		return "", "", fmt.Errorf("token entropy: %w", err)
	}
	token = hex.EncodeToString(b[:])
	return token, hashInvitationToken(token), nil
}

// hashInvitationToken digests a plaintext token for storage and lookup.
func hashInvitationToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
