package mathom

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
)

// TokenLength is the encoded length of every Token.
const TokenLength = 22

var tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]{22}$`)

// A Token is the unguessable public name of a stored file. It carries 128
// bits from crypto/rand encoded with the URL-safe base64 alphabet, so it is
// usable in a path segment without escaping.
type Token string

// NewToken mints a fresh random Token.
func NewToken() (Token, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return Token(base64.RawURLEncoding.EncodeToString(raw)), nil
}

// ParseToken validates an incoming token string.
func ParseToken(s string) (Token, error) {
	if s == "" {
		return "", ErrEmptyToken
	}
	if !tokenPattern.MatchString(s) {
		return "", ErrInvalidToken
	}
	return Token(s), nil
}

func (t Token) String() string {
	return string(t)
}
