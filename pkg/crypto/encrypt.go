package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// encrypt.go - шифрование секретов в покое
//
// API ключи биржи хранятся в окружении в зашифрованном виде
// (BYBIT_API_KEY_ENC, BYBIT_API_SECRET_ENC) и расшифровываются при старте
// ключом ENCRYPTION_KEY. AES-256-GCM даёт и конфиденциальность, и
// аутентификацию: подменённый шифротекст не расшифруется.

// KeySize - длина ключа AES-256 в байтах.
const KeySize = 32

var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// GenerateKey возвращает случайный 32-байтовый ключ.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateKeyString возвращает новый ключ в base64.
//
// Сырые 32 байта содержат непечатаемые символы и не переживают
// копирование через .env, поэтому наружу ключ ходит только в base64.
func GenerateKeyString() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ParseKey разбирает ключ из строки окружения.
//
// Принимает base64-представление 32-байтового ключа (результат
// GenerateKeyString) либо сырую 32-символьную ASCII строку.
func ParseKey(s string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}
	return nil, ErrInvalidKeyLength
}

// Encrypt шифрует plaintext ключом key и возвращает base64-строку
// вида base64(nonce || ciphertext || tag).
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt обращает Encrypt. Любое искажение шифротекста или чужой
// ключ дают ErrDecryptionFailed: GCM не отдаёт неаутентичный текст.
func Decrypt(ciphertextBase64 string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < gcm.NonceSize() {
		return "", ErrCiphertextTooShort
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// EncryptWithKeyString шифрует строковым ключом из окружения.
func EncryptWithKeyString(plaintext, keyString string) (string, error) {
	key, err := ParseKey(keyString)
	if err != nil {
		return "", err
	}
	return Encrypt(plaintext, key)
}

// DecryptWithKeyString расшифровывает строковым ключом из окружения.
func DecryptWithKeyString(ciphertextBase64, keyString string) (string, error) {
	key, err := ParseKey(keyString)
	if err != nil {
		return "", err
	}
	return Decrypt(ciphertextBase64, key)
}
