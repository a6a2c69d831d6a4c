package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const tokenHashCost = bcrypt.DefaultCost

var errUnknownToken = errors.New("unknown token")

// HashToken returns a salted bcrypt hash for a relay token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// TokenMatchesHash compares a token against a stored bcrypt hash.
func TokenMatchesHash(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

type namedHash struct {
	name string
	hash string
}

// HashedTokens validates bearer tokens against a fixed set of bcrypt hashes,
// each labelled with the name of the client it was issued to.
type HashedTokens struct {
	hashes []namedHash
}

// ParseHashedTokens reads entries of the form "name:hash".
func ParseHashedTokens(entries []string) (*HashedTokens, error) {
	tokens := &HashedTokens{}
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(name) == "" || hash == "" {
			return nil, fmt.Errorf("token entry %d: want name:hash", i)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("token entry %q: %w", name, err)
		}
		tokens.hashes = append(tokens.hashes, namedHash{name: strings.TrimSpace(name), hash: hash})
	}
	return tokens, nil
}

// Len is the number of configured tokens.
func (t *HashedTokens) Len() int {
	return len(t.hashes)
}

// ValidateToken returns the client name the token was issued to.
func (t *HashedTokens) ValidateToken(_ context.Context, token string) (string, error) {
	for _, h := range t.hashes {
		if TokenMatchesHash(h.hash, token) {
			return h.name, nil
		}
	}
	return "", errUnknownToken
}
