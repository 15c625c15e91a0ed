package encryption

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/crypto"
	"github.com/iudanet/tasksync/internal/models"
)

const (
	// Prefix формат зашифрованного значения: enc:v1:<base64(nonce||ciphertext)>.
	// Зашифрованными считаются только поля из списка записи, а не все строки с префиксом.
	Prefix = "enc:v1:"

	metaKeySalt     = "encryption_salt"
	metaKeyKeyCheck = "encryption_key_check"
)

var (
	// ErrKeyRequired возвращается при встрече зашифрованного значения без ключа
	ErrKeyRequired = errors.New("encrypted value found but encryption is disabled")

	// ErrMalformedValue возвращается, если поле из списка зашифрованных не является шифротекстом
	ErrMalformedValue = errors.New("malformed encrypted value")

	// ErrWrongSecret возвращается, если секрет не совпадает с сохраненной проверкой ключа
	ErrWrongSecret = errors.New("encryption secret does not match stored key check")
)

//go:generate moq -out service_mock.go . Service

// Service шифрует и расшифровывает чувствительные поля записей.
type Service interface {
	// Enabled reports whether a key is configured
	Enabled() bool

	// EncryptEntity returns a copy of e with sensitive fields encrypted
	// and the sorted names of the fields it encrypted
	EncryptEntity(t models.EntityType, e *models.Entity) (*models.Entity, []string, error)

	// DecryptEntity returns a copy of e with the listed fields decrypted.
	// Fields that are not listed are returned as is, whatever they contain.
	DecryptEntity(t models.EntityType, e *models.Entity, encrypted []string) (*models.Entity, error)

	// SensitiveFields returns the configured sensitive fields of a type
	SensitiveFields(t models.EntityType) []string
}

// Options настройки слоя шифрования
type Options struct {
	// Sensitive список чувствительных полей по типам
	Sensitive map[models.EntityType][]string
	// Secret пользовательский секрет; пустое значение отключает шифрование
	Secret string
	KDF    crypto.KDFParams
}

type service struct {
	sensitive map[models.EntityType][]string
	logger    *slog.Logger
	key       []byte
}

// NewService creates the encryption layer.
// Соль генерируется один раз и хранится в metadata; там же хранится проверка ключа,
// поэтому неверный секрет обнаруживается при инициализации.
func NewService(ctx context.Context, meta storage.MetadataStorage, opts Options, logger *slog.Logger) (Service, error) {
	s := &service{
		sensitive: normalizeSensitive(opts.Sensitive),
		logger:    logger,
	}

	if opts.Secret == "" {
		logger.Info("Encryption disabled: no secret configured")
		return s, nil
	}

	salt, err := loadOrCreateSalt(ctx, meta)
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveKey(opts.Secret, salt, opts.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	if err := verifyOrStoreKeyCheck(ctx, meta, key); err != nil {
		return nil, err
	}

	s.key = key
	logger.Info("Encryption enabled", "sensitive_types", len(s.sensitive))
	return s, nil
}

func normalizeSensitive(in map[models.EntityType][]string) map[models.EntityType][]string {
	out := make(map[models.EntityType][]string, len(in))
	for t, fields := range in {
		var list []string
		for _, f := range fields {
			// Системные поля всегда остаются открытыми
			if f == "" || models.IsSystemField(f) {
				continue
			}
			list = append(list, f)
		}
		sort.Strings(list)
		out[t] = list
	}
	return out
}

func loadOrCreateSalt(ctx context.Context, meta storage.MetadataStorage) ([]byte, error) {
	saltB64, err := meta.GetMeta(ctx, metaKeySalt)
	if err == nil {
		salt, err := base64.StdEncoding.DecodeString(string(saltB64))
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored salt: %w", err)
		}
		return salt, nil
	}
	if !errors.Is(err, storage.ErrMetaNotFound) {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	encoded, err := crypto.GenerateSaltBase64()
	if err != nil {
		return nil, err
	}
	if err := meta.SaveMeta(ctx, metaKeySalt, []byte(encoded)); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	return salt, nil
}

func verifyOrStoreKeyCheck(ctx context.Context, meta storage.MetadataStorage, key []byte) error {
	stored, err := meta.GetMeta(ctx, metaKeyKeyCheck)
	switch {
	case err == nil:
		if err := crypto.VerifyKeyCheck(key, string(stored)); err != nil {
			return ErrWrongSecret
		}
		return nil
	case errors.Is(err, storage.ErrMetaNotFound):
		check, err := crypto.KeyCheck(key)
		if err != nil {
			return err
		}
		if err := meta.SaveMeta(ctx, metaKeyKeyCheck, []byte(check)); err != nil {
			return fmt.Errorf("failed to save key check: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("failed to load key check: %w", err)
	}
}

func (s *service) Enabled() bool {
	return s.key != nil
}

func (s *service) SensitiveFields(t models.EntityType) []string {
	return append([]string(nil), s.sensitive[t]...)
}

// EncryptEntity шифрует чувствительные поля. Значение кодируется в JSON,
// поэтому после расшифровки сохраняется его тип (строка, число, список).
func (s *service) EncryptEntity(t models.EntityType, e *models.Entity) (*models.Entity, []string, error) {
	out := e.Clone()
	if !s.Enabled() {
		return out, nil, nil
	}

	var encrypted []string
	for _, field := range s.sensitive[t] {
		value, ok := out.Fields[field]
		if !ok || value == nil {
			continue
		}

		plain, err := json.Marshal(value)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal field %s: %w", field, err)
		}

		enc, err := crypto.EncryptToBase64(plain, s.key, aad(t, e.ID, field))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt field %s: %w", field, err)
		}
		out.Fields[field] = Prefix + enc
		encrypted = append(encrypted, field)
	}

	// s.sensitive[t] уже отсортирован
	return out, encrypted, nil
}

// DecryptEntity расшифровывает перечисленные поля.
// Без ключа зашифрованное значение - ошибка, а не пустая строка.
func (s *service) DecryptEntity(t models.EntityType, e *models.Entity, encrypted []string) (*models.Entity, error) {
	out := e.Clone()

	for _, field := range encrypted {
		value, ok := out.Fields[field]
		if !ok {
			continue
		}
		if !s.Enabled() {
			return nil, fmt.Errorf("field %s: %w", field, ErrKeyRequired)
		}

		str, isStr := value.(string)
		if !isStr || !strings.HasPrefix(str, Prefix) {
			return nil, fmt.Errorf("field %s: %w", field, ErrMalformedValue)
		}

		plain, err := crypto.DecryptFromBase64(strings.TrimPrefix(str, Prefix), s.key, aad(t, e.ID, field))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt field %s: %w", field, err)
		}

		var decoded any
		if err := json.Unmarshal(plain, &decoded); err != nil {
			return nil, fmt.Errorf("failed to unmarshal field %s: %w", field, err)
		}
		out.Fields[field] = decoded
	}

	return out, nil
}

// aad привязывает шифротекст к конкретному полю конкретной записи
func aad(t models.EntityType, id, field string) []byte {
	return []byte(models.EntityKey(t, id) + "#" + field)
}
