package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"time"

	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

func NewSigner(issuer, keyID string, private crypto.PrivateKey) *Signer {
	return &Signer{
		iss:        issuer,
		keyID:      keyID,
		privateKey: private,
	}
}

// Signer mints compact JWTs. It is only used by the development identity
// provider and by tests; the proxy itself never issues tokens.
type Signer struct {
	iss        string
	keyID      string
	privateKey crypto.PrivateKey
}

// Issuer returns the issuer written into every token.
func (j *Signer) Issuer() string {
	return j.iss
}

// JSONWebKey returns the public half of the signing key, suitable for a JWKS document.
func (j *Signer) JSONWebKey() (jose.JSONWebKey, error) {
	alg, err := algorithm(j.privateKey)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	var public crypto.PublicKey
	switch k := j.privateKey.(type) {
	case *rsa.PrivateKey:
		public = k.Public()
	case *ecdsa.PrivateKey:
		public = k.Public()
	}
	return jose.JSONWebKey{
		Key:       public,
		KeyID:     j.keyID,
		Algorithm: string(alg),
		Use:       "sig",
	}, nil
}

// JOSESigner returns a jose.Signer that stamps the key id into the protected header.
func (j *Signer) JOSESigner() (jose.Signer, error) {
	alg, err := algorithm(j.privateKey)
	if err != nil {
		return nil, err
	}
	opts := (&jose.SignerOptions{}).WithType("JWT")
	if j.keyID != "" {
		opts = opts.WithHeader("kid", j.keyID)
	}
	return jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: j.privateKey}, opts)
}

func (j *Signer) GenerateToken(claims interface{}) (string, error) {
	signer, err := j.JOSESigner()
	if err != nil {
		return "", err
	}

	// claims are applied in reverse precedence
	return jwt.Signed(signer).
		Claims(claims).
		Claims(&jwt.Claims{
			Issuer: j.iss,
		}).
		CompactSerialize()
}

func algorithm(key crypto.PrivateKey) (jose.SignatureAlgorithm, error) {
	switch privateKey := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch privateKey.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		default:
			return "", fmt.Errorf("unknown private key curve, must be 256, 384, or 521")
		}
	default:
		return "", fmt.Errorf("unknown private key type %T, must be *rsa.PrivateKey or *ecdsa.PrivateKey", key)
	}
}

func now() time.Time {
	return time.Now()
}
