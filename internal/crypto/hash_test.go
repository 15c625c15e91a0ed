package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyCheck(t *testing.T) {
	key := make([]byte, KeySize)
	key[0] = 1

	check, err := KeyCheck(key)
	require.NoError(t, err)
	assert.Len(t, check, 64, "hex-encoded sha256")

	again, err := KeyCheck(key)
	require.NoError(t, err)
	assert.Equal(t, check, again)

	_, err = KeyCheck(nil)
	assert.Error(t, err)
}

func TestVerifyKeyCheck(t *testing.T) {
	key := make([]byte, KeySize)
	key[0] = 7
	check, err := KeyCheck(key)
	require.NoError(t, err)

	tests := []struct {
		name    string
		check   string
		key     []byte
		wantErr bool
	}{
		{name: "matching key", key: key, check: check},
		{name: "other key", key: make([]byte, KeySize), check: check, wantErr: true},
		{name: "empty check", key: key, check: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyKeyCheck(tt.key, tt.check)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
