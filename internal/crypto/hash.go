package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

var keyCheckContext = []byte("tasksync-key-check")

// KeyCheck вычисляет контрольное значение ключа шифрования.
// Значение сохраняется рядом с солью: при следующем запуске неверный секрет
// обнаруживается до того, как им будет что-то зашифровано.
func KeyCheck(key []byte) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("key cannot be empty")
	}

	h := sha256.New()
	h.Write(keyCheckContext)
	h.Write(key)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyKeyCheck проверяет, соответствует ли ключ сохраненному контрольному значению
func VerifyKeyCheck(key []byte, check string) error {
	if check == "" {
		return fmt.Errorf("key check cannot be empty")
	}

	computed, err := KeyCheck(key)
	if err != nil {
		return fmt.Errorf("failed to compute key check: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(check)) != 1 {
		return fmt.Errorf("encryption secret does not match stored key check")
	}
	return nil
}
