// Package auth issues and verifies the signed tokens that identify an editor
// on REST calls and on the live channel.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"collabsync/internal/protocol"
	"collabsync/internal/util"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims carry the editor identity and role. A token is "<payload>.<mac>",
// both parts unpadded base64url.
type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

// NewClaims builds claims for an editor valid for ttl from now.
func NewClaims(userID, displayName, role string, ttl time.Duration) Claims {
	return Claims{
		Sub:  userID,
		Name: displayName,
		Role: role,
		JTI:  util.NewID("jti"),
		Exp:  time.Now().Add(ttl).Unix(),
	}
}

// Editor is the identity the relay stamps on frames from this token.
func (c Claims) Editor() protocol.Editor {
	return protocol.Editor{EditorID: c.Sub, DisplayName: c.Name}
}

func (c Claims) complete() bool {
	return c.Sub != "" && c.Name != "" && c.JTI != "" && c.Exp != 0
}

// Signer holds the shared secret of one deployment.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) Issue(claims Claims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + base64.RawURLEncoding.EncodeToString(s.mac(payload)), nil
}

// Parse verifies the MAC before looking at the payload.
func (s *Signer) Parse(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalidToken
	}
	mac, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || !hmac.Equal(mac, s.mac(parts[0])) {
		return Claims{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil || !claims.complete() {
		return Claims{}, ErrInvalidToken
	}
	if s.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (s *Signer) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.secret)
	_, _ = h.Write([]byte(payload))
	return h.Sum(nil)
}
