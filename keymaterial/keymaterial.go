// Package keymaterial parses an RSA private key in any of the three shapes
// the service accepts (unencrypted PKCS#1, unencrypted PKCS#8, encrypted
// PKCS#8), computes its SPKI fingerprint, and signs RS256 JWTs with it.
package keymaterial

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/youmark/pkcs8"

	"github.com/stacklok/pipestream/ingesterrors"
)

const (
	blockTypePKCS1     = "RSA PRIVATE KEY"
	blockTypePKCS8     = "PRIVATE KEY"
	blockTypeEncrypted = "ENCRYPTED PRIVATE KEY"
)

// Material is the parsed, immutable-for-process-lifetime key: the RSA
// private key plus its precomputed SPKI fingerprint.
type Material struct {
	PrivateKey  *rsa.PrivateKey
	Fingerprint string
}

// Load reads key material from either a PEM blob or a filesystem path
// (whichever raw looks like), and parses it per Parse.
func Load(raw, passphrase string) (*Material, error) {
	pemBytes := []byte(raw)
	if !looksLikePEM(raw) {
		data, err := os.ReadFile(raw)
		if err != nil {
			return nil, ingesterrors.New(ingesterrors.Invariant, "unable to read private key file", err)
		}
		pemBytes = data
	}
	return Parse(pemBytes, passphrase)
}

func looksLikePEM(raw string) bool {
	return strings.Contains(raw, "-----BEGIN")
}

// Parse decodes a single PEM block and builds a Material from it. The
// block type determines the shape: PKCS#1, PKCS#8, or encrypted PKCS#8.
// The encrypted shape requires a non-empty passphrase.
func Parse(pemBytes []byte, passphrase string) (*Material, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ingesterrors.New(ingesterrors.Invariant, "no PEM block found in private key", nil)
	}

	key, err := decodeBlock(block, passphrase)
	if err != nil {
		return nil, err
	}

	fingerprint, err := Fingerprint(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Material{PrivateKey: key, Fingerprint: fingerprint}, nil
}

func decodeBlock(block *pem.Block, passphrase string) (*rsa.PrivateKey, error) {
	switch block.Type {
	case blockTypePKCS1:
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, ingesterrors.New(ingesterrors.Invariant, "unable to parse PKCS#1 private key", err)
		}
		return key, nil

	case blockTypePKCS8:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, ingesterrors.New(ingesterrors.Invariant, "unable to parse PKCS#8 private key", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, ingesterrors.New(ingesterrors.Invariant, "private key is not RSA", nil)
		}
		return key, nil

	case blockTypeEncrypted:
		if passphrase == "" {
			return nil, ingesterrors.New(ingesterrors.Invariant, "encrypted private key requires a non-empty passphrase", nil)
		}
		parsed, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, ingesterrors.New(ingesterrors.Invariant, "unable to decrypt PKCS#8 private key", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, ingesterrors.New(ingesterrors.Invariant, "private key is not RSA", nil)
		}
		return key, nil

	default:
		return nil, ingesterrors.New(ingesterrors.Invariant, fmt.Sprintf("unsupported private key block type %q", block.Type), nil)
	}
}

// Fingerprint computes the service's key fingerprint: SHA-256 over the
// DER-encoded SubjectPublicKeyInfo, base64-encoded with padding, prefixed
// with "SHA256:".
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", ingesterrors.New(ingesterrors.Invariant, "unable to marshal public key", err)
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}
