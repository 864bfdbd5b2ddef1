package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIKey is an agent credential for creating consultation requests.
// Only the Argon2id hash of the secret half is stored — the raw key is shown
// once at creation and cannot be recovered, only revoked and re-issued.
type APIKey struct {
	ID          uuid.UUID `json:"id"`
	KeyHash     string    `json:"-"` // Never serialized.
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// APIKeyWithRawKey is returned only on creation — the one time the raw key
// is available.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}

// keyFormatPrefix is the static prefix of all Soudan API keys. The key id is
// embedded in the token so verification is a single lookup plus one hash
// comparison instead of a scan over every stored hash.
const keyFormatPrefix = "sk_"

// FormatRawKey assembles the presentable token for a key: sk_<id>.<secret>.
func FormatRawKey(id uuid.UUID, secret string) string {
	return keyFormatPrefix + id.String() + "." + secret
}

// ParseRawKey splits an incoming token into its key id and secret halves.
func ParseRawKey(rawKey string) (id uuid.UUID, secret string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return uuid.Nil, "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}
	rest := rawKey[len(keyFormatPrefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 1 || dot == len(rest)-1 {
		return uuid.Nil, "", fmt.Errorf("model: invalid key format: expected sk_<id>.<secret>")
	}
	id, err = uuid.Parse(rest[:dot])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("model: invalid key id: %w", err)
	}
	return id, rest[dot+1:], nil
}
