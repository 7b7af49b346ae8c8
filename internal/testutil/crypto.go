package testutil

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vdavid/threadmail/internal/crypto"
)

// TestEncryptionKey is a fixed base64 AES-256 key, so tokens issued in one
// test helper can be opened by another.
var TestEncryptionKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))

// GetTestEncryptor returns an encryptor over TestEncryptionKey.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	encryptor, err := crypto.NewEncryptor(TestEncryptionKey)
	require.NoError(t, err)
	return encryptor
}
