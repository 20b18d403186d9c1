package security_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/security"
	"github.com/cwrk-planet/coderoom-service/internal/security/securitytest"
)

func claims(sub string, iat time.Time, ttl time.Duration) security.AccessClaims {
	return security.AccessClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   sub,
			Issuer:    securitytest.TokenIssuer,
			Audience:  securitytest.TokenAudience,
			IssuedAt:  iat.Unix(),
			NotBefore: iat.Unix(),
			ExpiresAt: iat.Add(ttl).Unix(),
		},
	}
}

func TestVerify_Valid(t *testing.T) {
	iss := securitytest.NewIssuer(t)
	tok := iss.Token(t, domain.User{ID: 42, DisplayName: "ada"})

	c, err := iss.Verifier().Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "ada", c.Name)

	id, err := security.SubjectAsUserID(c)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(42), id)
}

func TestVerify_Rejects(t *testing.T) {
	iss := securitytest.NewIssuer(t)
	v := iss.Verifier()
	now := time.Now()

	expired := iss.Sign(t, claims("1", now.Add(-2*time.Hour), time.Hour))
	_, err := v.Verify(expired)
	assert.ErrorIs(t, err, security.ErrTokenExpired)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	c := claims("1", now, time.Hour)
	c.Issuer = "someone-else"
	_, err = v.Verify(iss.Sign(t, c))
	assert.ErrorIs(t, err, security.ErrInvalidIssuer)

	c = claims("1", now, time.Hour)
	c.Audience = "other"
	_, err = v.Verify(iss.Sign(t, c))
	assert.ErrorIs(t, err, security.ErrInvalidAudience)

	other := securitytest.NewIssuer(t)
	_, err = v.Verify(other.Token(t, domain.User{ID: 1}))
	assert.ErrorIs(t, err, security.ErrInvalidToken, "foreign signature")

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims("1", now, time.Hour)).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Verify(hs)
	assert.ErrorIs(t, err, security.ErrInvalidToken, "alg must be RS256")

	_, err = v.Verify("")
	assert.ErrorIs(t, err, security.ErrInvalidToken)
}

func TestVerify_ClockSkew(t *testing.T) {
	iss := securitytest.NewIssuer(t)
	v := iss.Verifier()

	// истёк 10 секунд назад, люфт 30 секунд
	tok := iss.Sign(t, claims("1", time.Now().Add(-time.Hour-10*time.Second), time.Hour))
	_, err := v.Verify(tok)
	assert.NoError(t, err)
}

func TestSubjectAsUserID(t *testing.T) {
	_, err := security.SubjectAsUserID(&security.AccessClaims{})
	assert.ErrorIs(t, err, security.ErrInvalidSubject)
	_, err = security.SubjectAsUserID(&security.AccessClaims{StandardClaims: jwt.StandardClaims{Subject: "abc"}})
	assert.ErrorIs(t, err, security.ErrInvalidSubject)
	_, err = security.SubjectAsUserID(nil)
	assert.ErrorIs(t, err, security.ErrInvalidSubject)
}

func TestLoadRSAPublicKeyFromPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "jwt_public.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	pub, err := security.LoadRSAPublicKeyFromPEM(path)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, pub.N)

	_, err = security.LoadRSAPublicKeyFromPEM(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}
