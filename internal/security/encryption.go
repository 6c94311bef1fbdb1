package security

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
)

var charset = "qwertyuiopasdfghjklzxcvbnmQWERTYUIOPASDFGHJKLZXCVBNM1234567890-_|!/"

var ErrCipherTextTooShort = errors.New("cipher text is shorter than the nonce")

type Encrypter interface {
	EncryptAES(string) (string, error)
	DecryptAES(string) ([]byte, error)
}

// AESEncrypter seals values with AES-GCM and hex encodes the nonce and
// cipher text together.
type AESEncrypter struct {
	Key []byte
}

func NewAESEncrypter(key []byte) *AESEncrypter {
	return &AESEncrypter{Key: key}
}

func (e *AESEncrypter) gcm() (cipher.AEAD, error) {
	c, err := aes.NewCipher(e.Key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(c)
}

func (e *AESEncrypter) EncryptAES(text string) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return "", err
	}

	out := gcm.Seal(nonce, nonce, []byte(text), nil)
	return hex.EncodeToString(out), nil
}

func (e *AESEncrypter) DecryptAES(encrypted string) ([]byte, error) {
	cipherText, err := hex.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decoding cipher text: %w", err)
	}

	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(cipherText) < nonceSize {
		return nil, ErrCipherTextTooShort
	}
	nonce, cipherText := cipherText[:nonceSize], cipherText[nonceSize:]
	return gcm.Open(nil, nonce, cipherText, nil)
}

// EnsureKey returns key when it is set. Otherwise a new 32 byte key is
// generated and appended to the dotenv file as name so that later starts
// can decrypt what this one stored.
func EnsureKey(key, name, dotenvPath string) ([]byte, error) {
	if key != "" {
		if n := len(key); n != 16 && n != 24 && n != 32 {
			return nil, fmt.Errorf("%s must be 16, 24 or 32 bytes long, got %d", name, n)
		}
		return []byte(key), nil
	}
	generated := GenerateRandomKey(32)
	if err := writeToDotenv(dotenvPath, name, generated); err != nil {
		return nil, err
	}
	return []byte(generated), nil
}

func writeToDotenv(path, name, value string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(name + "=" + value + "\n")
	return err
}

func GenerateRandomKey(length int64) string {
	b := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		n, err := crand.Int(crand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = charset[n.Int64()]
	}
	return string(b)
}
