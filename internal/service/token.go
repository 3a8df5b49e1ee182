package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// newOfferToken: 32 случайных байта в base64url без паддинга.
func newOfferToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate offer token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
