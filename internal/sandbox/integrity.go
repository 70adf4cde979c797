package sandbox

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/openstarry/core/pkg/pluginsdk"
)

// VerifyIntegrity checks pluginPath's on-disk bytes against manifest's
// integrity descriptor. A nil/empty descriptor passes unverified, matching
// the marketplace verifier's "no signature configured" convention. A
// non-nil descriptor with a legacy hash and/or a typed signature requires
// every populated field to match.
func VerifyIntegrity(pluginPath string, integrity *pluginsdk.Integrity) error {
	if integrity == nil {
		return nil
	}
	data, err := os.ReadFile(pluginPath)
	if err != nil {
		return fmt.Errorf("read plugin binary: %w", err)
	}

	if integrity.LegacySHA512Hex != "" {
		sum := sha512.Sum512(data)
		got := hex.EncodeToString(sum[:])
		if !strings.EqualFold(got, integrity.LegacySHA512Hex) {
			return fmt.Errorf("legacy sha512 mismatch: expected %s, got %s", integrity.LegacySHA512Hex, got)
		}
	}

	if sig := integrity.Signature; sig != nil {
		if err := verifySignature(data, sig); err != nil {
			return err
		}
	}
	return nil
}

func verifySignature(data []byte, sig *pluginsdk.Signature) error {
	raw, err := base64.StdEncoding.DecodeString(sig.SignatureBase64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	block, _ := pem.Decode([]byte(sig.PublicKeyPEM))
	if block == nil {
		return fmt.Errorf("decode public key PEM: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	switch sig.Algorithm {
	case pluginsdk.AlgorithmEd25519SHA256:
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("public key is not ed25519")
		}
		digest := sha256.Sum256(data)
		if !ed25519.Verify(key, digest[:], raw) {
			return fmt.Errorf("ed25519-sha256 signature verification failed")
		}
		return nil
	case pluginsdk.AlgorithmRSASHA256:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("public key is not RSA")
		}
		digest := sha256.Sum256(data)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], raw); err != nil {
			return fmt.Errorf("rsa-sha256 signature verification failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported signature algorithm %q", sig.Algorithm)
	}
}
