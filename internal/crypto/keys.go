package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Параметры Argon2id
const (
	// Argon2Time - количество итераций (time cost)
	Argon2Time = 1
	// Argon2Memory - объем памяти в KB (64MB = 64*1024 KB)
	Argon2Memory = 64 * 1024
	// Argon2Threads - количество параллельных потоков
	Argon2Threads = 4
	// SaltSize - размер соли в байтах
	SaltSize = 32
)

// KDFParams параметры деривации ключа. Нулевые значения заменяются значениями по умолчанию.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

func (p KDFParams) withDefaults() KDFParams {
	if p.Time == 0 {
		p.Time = Argon2Time
	}
	if p.Memory == 0 {
		p.Memory = Argon2Memory
	}
	if p.Threads == 0 {
		p.Threads = Argon2Threads
	}
	return p
}

// GenerateSalt генерирует криптографически случайную соль
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateSaltBase64 генерирует соль и возвращает ее в Base64
func GenerateSaltBase64() (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// DeriveKey получает ключ шифрования записей из пользовательского секрета.
// Использует Argon2id с context string "encrypt", как и для ключей хранилища.
func DeriveKey(secret string, salt []byte, params KDFParams) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	p := params.withDefaults()
	input := append([]byte(secret), []byte("encrypt")...)
	return argon2.IDKey(input, salt, p.Time, p.Memory, p.Threads, KeySize), nil
}

// DeriveKeyFromBase64Salt получает ключ из Base64-кодированной соли
func DeriveKeyFromBase64Salt(secret, saltBase64 string, params KDFParams) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(saltBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	return DeriveKey(secret, salt, params)
}
