package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// тестовые параметры: минимальная стоимость, чтобы тесты были быстрыми
var testKDF = KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt1, SaltSize)

	salt2, err := GenerateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt1, salt2, "соли должны быть случайными")
}

func TestGenerateSaltBase64(t *testing.T) {
	saltBase64, err := GenerateSaltBase64()
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(saltBase64)
	require.NoError(t, err)
	assert.Len(t, decoded, SaltSize)
}

func TestDeriveKey(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	tests := []struct {
		name    string
		secret  string
		errMsg  string
		salt    []byte
		wantErr bool
	}{
		{
			name:   "successful key derivation",
			secret: "correct horse battery staple",
			salt:   salt,
		},
		{
			name:    "empty secret",
			secret:  "",
			salt:    salt,
			wantErr: true,
			errMsg:  "secret cannot be empty",
		},
		{
			name:    "short salt",
			secret:  "secret",
			salt:    make([]byte, 8),
			wantErr: true,
			errMsg:  "salt must be 32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DeriveKey(tt.secret, tt.salt, testKDF)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, key)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, KeySize)
		})
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	key1, err := DeriveKey("secret", salt, testKDF)
	require.NoError(t, err)
	key2, err := DeriveKeyFromBase64Salt("secret", base64.StdEncoding.EncodeToString(salt), testKDF)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	other, err := DeriveKey("other secret", salt, testKDF)
	require.NoError(t, err)
	assert.NotEqual(t, key1, other)
}

func TestDeriveKeyFromBase64Salt_InvalidSalt(t *testing.T) {
	_, err := DeriveKeyFromBase64Salt("secret", "%%%", testKDF)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode salt")
}
