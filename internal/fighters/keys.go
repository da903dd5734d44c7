package fighters

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningKey decodes a hex ed25519 seed. An empty seed generates a fresh key,
// which only lives as long as the process.
func SigningKey(hexSeed string) (ed25519.PrivateKey, error) {
	hexSeed = strings.TrimSpace(hexSeed)
	if hexSeed == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("webhook signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("webhook signing key must be a %d byte seed", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// VerifyRequest checks a notification's bearer token against pub and the
// raw request body. fighterID, when set, must match the token subject.
func VerifyRequest(r *http.Request, body []byte, pub ed25519.PublicKey, fighterID string, now time.Time) (Claims, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return Claims{}, errors.New("missing bearer token")
	}
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return Claims{}, err
	}
	if fighterID != "" && c.Subject != fighterID {
		return Claims{}, fmt.Errorf("token subject %q is not %q", c.Subject, fighterID)
	}
	sum := sha256.Sum256(body)
	if c.BodySHA256 != hex.EncodeToString(sum[:]) {
		return Claims{}, errors.New("token does not match body")
	}
	return c, nil
}
