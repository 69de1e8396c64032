package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// DefaultKeyPrefix marks TimeFly keys
	DefaultKeyPrefix = "tfk_"

	keyRandomBytes = 24

	// LookupPrefixLength is how many characters of the random part are stored
	// in clear to narrow candidate lookup.
	LookupPrefixLength = 8
)

// Generate returns a new raw key and its lookup prefix.
func Generate(keyPrefix string) (raw, lookup string, err error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	random := base64.RawURLEncoding.EncodeToString(buf)
	return keyPrefix + random, random[:LookupPrefixLength], nil
}

// LookupPrefix extracts the stored lookup prefix from a raw key.
func LookupPrefix(raw, keyPrefix string) (string, bool) {
	random, ok := strings.CutPrefix(raw, keyPrefix)
	if !ok || len(random) < LookupPrefixLength {
		return "", false
	}
	return random[:LookupPrefixLength], true
}
