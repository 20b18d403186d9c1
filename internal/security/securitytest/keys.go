// Package securitytest выпускает подписанные токены для тестов других пакетов.
package securitytest

import (
	"crypto/rand"
	"crypto/rsa"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/security"
)

const (
	TokenIssuer   = "cwrk-auth"
	TokenAudience = "cwrk-planet"
)

type Issuer struct {
	key *rsa.PrivateKey
}

func NewIssuer(t testing.TB) *Issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &Issuer{key: key}
}

func (i *Issuer) PublicKey() *rsa.PublicKey { return &i.key.PublicKey }

func (i *Issuer) Verifier() *security.Verifier {
	return security.NewVerifier(i.PublicKey(), TokenIssuer, TokenAudience, 30*time.Second)
}

// Token выпускает валидный на час токен для пользователя.
func (i *Issuer) Token(t testing.TB, u domain.User) string {
	t.Helper()
	now := time.Now()
	return i.Sign(t, security.AccessClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   strconv.FormatInt(int64(u.ID), 10),
			Issuer:    TokenIssuer,
			Audience:  TokenAudience,
			IssuedAt:  now.Unix(),
			NotBefore: now.Unix(),
			ExpiresAt: now.Add(time.Hour).Unix(),
		},
		Name:   u.DisplayName,
		Avatar: u.AvatarURL,
	})
}

func (i *Issuer) Sign(t testing.TB, claims security.AccessClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}
