package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/metinatakli/premium-billing/internal/domain"
)

const (
	privateKeyBlock = "PRIVATE KEY"
	publicKeyBlock  = "PUBLIC KEY"
)

var (
	ErrMissingKey       = fmt.Errorf("signing key is not configured: %w", domain.ErrConfiguration)
	ErrInvalidSignature = fmt.Errorf("invalid signature: %w", domain.ErrAuthentication)
)

// Signer signs and verifies canonicalized field maps with RSA-SHA256. Either key
// may be absent, in which case the corresponding operation fails closed.
type Signer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewSigner parses key material given either PEM-armored or as a bare base64
// body. Empty material leaves the corresponding key unset.
func NewSigner(privateKey, publicKey string) (*Signer, error) {
	s := &Signer{}

	if strings.TrimSpace(privateKey) != "" {
		key, err := ParsePrivateKey(privateKey)
		if err != nil {
			return nil, err
		}
		s.privateKey = key
	}

	if strings.TrimSpace(publicKey) != "" {
		key, err := ParsePublicKey(publicKey)
		if err != nil {
			return nil, err
		}
		s.publicKey = key
	}

	return s, nil
}

func (s *Signer) CanSign() bool {
	return s != nil && s.privateKey != nil
}

func (s *Signer) CanVerify() bool {
	return s != nil && s.publicKey != nil
}

// Sign returns the base64 RSA-SHA256 signature of the canonical form of data.
func (s *Signer) Sign(data map[string]any) (string, error) {
	if !s.CanSign() {
		return "", ErrMissingKey
	}

	digest := sha256.Sum256([]byte(Canonicalize(data)))

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks signature against the canonical form of data.
func (s *Signer) Verify(data map[string]any, signature string) error {
	if !s.CanVerify() {
		return ErrMissingKey
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) == 0 {
		return ErrInvalidSignature
	}

	digest := sha256.Sum256([]byte(Canonicalize(data)))

	err = rsa.VerifyPKCS1v15(s.publicKey, crypto.SHA256, digest[:], sig)
	if err != nil {
		return ErrInvalidSignature
	}

	return nil
}

// NormalizePEM returns material as a PEM document. A bare base64 body is wrapped
// into a block of the given type with 64 character lines.
func NormalizePEM(material, blockType string) string {
	material = strings.TrimSpace(material)
	if strings.HasPrefix(material, "-----BEGIN") {
		// keys pasted into env files often carry literal "\n" sequences
		return strings.ReplaceAll(material, `\n`, "\n")
	}

	body := strings.Join(strings.Fields(material), "")

	var b strings.Builder
	b.WriteString("-----BEGIN " + blockType + "-----\n")
	for len(body) > 64 {
		b.WriteString(body[:64])
		b.WriteByte('\n')
		body = body[64:]
	}
	if body != "" {
		b.WriteString(body)
		b.WriteByte('\n')
	}
	b.WriteString("-----END " + blockType + "-----\n")

	return b.String()
}

func ParsePrivateKey(material string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(material, privateKeyBlock)))
	if block == nil {
		return nil, errors.New("private key: no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key: not an RSA key")
	}

	return key, nil
}

func ParsePublicKey(material string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(material, publicKeyBlock)))
	if block == nil {
		return nil, errors.New("public key: no PEM block found")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key: not an RSA key")
	}

	return key, nil
}
