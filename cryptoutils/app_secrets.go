package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

const gcmNonceSize = 12

// DataKeySize is the amount of random key material issued per host.
const DataKeySize = 64

// RandomKeyMaterial returns n bytes from the system CSPRNG.
func RandomKeyMaterial(n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to read random key material: %w", err)
	}
	return key, nil
}

// Seal encrypts data to pub. A fresh ephemeral key is generated for each
// call.
func Seal(pub *ecdsa.PublicKey, data []byte) ([]byte, error) {
	recipient, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported public key: %w", err)
	}

	ephemeralKey, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeralKey.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	aesGCM, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, iv, data, nil)
	ephemeralPublicKeyBytes := ephemeralKey.PublicKey().Bytes()

	// Format: [ephemeral key length (2 bytes)][ephemeral key][iv][ciphertext]
	result := make([]byte, 0, 2+len(ephemeralPublicKeyBytes)+len(iv)+len(ciphertext))
	result = binary.BigEndian.AppendUint16(result, uint16(len(ephemeralPublicKeyBytes)))
	result = append(result, ephemeralPublicKeyBytes...)
	result = append(result, iv...)
	result = append(result, ciphertext...)
	return result, nil
}

// Open decrypts data produced by Seal for the public half of priv.
func Open(priv *ecdsa.PrivateKey, sealed []byte) ([]byte, error) {
	recipient, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported private key: %w", err)
	}

	if len(sealed) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(sealed[0:2]))
	if len(sealed) < 2+ephemeralKeyLen+gcmNonceSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralKey, err := recipient.Curve().NewPublicKey(sealed[2 : 2+ephemeralKeyLen])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}

	shared, err := recipient.ECDH(ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	aesGCM, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	ivStart := 2 + ephemeralKeyLen
	iv := sealed[ivStart : ivStart+gcmNonceSize]
	ciphertext := sealed[ivStart+gcmNonceSize:]

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptWithPublicKey seals data to a PEM-encoded (PKIX) ECDSA public key.
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	publicKey, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return Seal(publicKey, data)
}

// DecryptWithPrivateKey opens data sealed by EncryptWithPublicKey. The key
// may be in SEC 1, PKCS #8 or OpenSSH PEM form.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte) ([]byte, error) {
	kp, err := ParseKeyPair(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return Open(kp.Private, encryptedData)
}

// ParsePublicKeyPEM parses a PKIX "PUBLIC KEY" block holding an ECDSA key.
func ParsePublicKeyPEM(publicKeyPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	publicKeyInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	publicKey, ok := publicKeyInterface.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return publicKey, nil
}

// ParseAuthorizedKey parses a public key in authorized_keys format.
func ParseAuthorizedKey(line []byte) (*ecdsa.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(line)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authorized key: %w", err)
	}
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, errors.New("public key does not expose its crypto key")
	}
	ecdsaPub, ok := cryptoPub.CryptoPublicKey().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA public key: %s", pub.Type())
	}
	return ecdsaPub, nil
}

func newGCM(shared []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(shared)

	aesBlock, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
