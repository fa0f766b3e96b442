package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/371-Minds/credvault/pkg/schema"
)

func testEngine(t *testing.T, masterKey string) *AESEngine {
	t.Helper()
	e, err := NewAESEngine(Config{MasterKey: masterKey, Iterations: 1000}) // low for test speed
	require.NoError(t, err)
	return e
}

func TestAESEngine_RoundTrip(t *testing.T) {
	e := testEngine(t, "test-master-key-32-bytes-long-for-testing")

	ct, err := e.Encrypt([]byte(`{"api_token":"do_tok_123"}`))
	require.NoError(t, err)

	pt, err := e.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"api_token":"do_tok_123"}`), pt)
}

func TestAESEngine_EncryptedAtRest(t *testing.T) {
	e := testEngine(t, "k")

	ct, err := e.Encrypt([]byte("plaintext-value"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ct, []byte("plaintext-value")))
	assert.Greater(t, len(ct), len("plaintext-value"))
}

func TestAESEngine_DeterministicKeyReduction(t *testing.T) {
	e1 := testEngine(t, "same-master-key")
	e2 := testEngine(t, "same-master-key")

	ct, err := e1.Encrypt([]byte("value"))
	require.NoError(t, err)

	pt, err := e2.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), pt)
}

func TestAESEngine_WrongKeyCannotDecrypt(t *testing.T) {
	e1 := testEngine(t, "key-one")
	e2 := testEngine(t, "key-two")

	ct, err := e1.Encrypt([]byte("hidden"))
	require.NoError(t, err)

	_, err = e2.Decrypt(ct)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDecryption))
}

func TestAESEngine_TamperDetection(t *testing.T) {
	e := testEngine(t, "tamper-key")
	ct, err := e.Encrypt([]byte(`{"password":"p"}`))
	require.NoError(t, err)

	for i := range ct {
		tampered := bytes.Clone(ct)
		tampered[i] ^= 0x01
		pt, err := e.Decrypt(tampered)
		require.Error(t, err, "bit flip at byte %d went undetected", i)
		assert.Nil(t, pt)
		assert.True(t, schema.HasCode(err, schema.ErrCodeDecryption))
	}
}

func TestAESEngine_UniqueNonces(t *testing.T) {
	e := testEngine(t, "k")

	ct1, err := e.Encrypt([]byte("same-value"))
	require.NoError(t, err)
	ct2, err := e.Encrypt([]byte("same-value"))
	require.NoError(t, err)

	// Same plaintext must produce different ciphertext (random nonce).
	assert.False(t, bytes.Equal(ct1, ct2))
}

func TestAESEngine_ShortCiphertext(t *testing.T) {
	e := testEngine(t, "k")
	_, err := e.Decrypt([]byte("short"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDecryption))
}

func TestAESEngine_EmptyValue(t *testing.T) {
	e := testEngine(t, "k")
	ct, err := e.Encrypt([]byte{})
	require.NoError(t, err)
	pt, err := e.Decrypt(ct)
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestAESEngine_MissingMasterKey(t *testing.T) {
	_, err := NewAESEngine(Config{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestAESEngine_CustomSalt(t *testing.T) {
	e1, err := NewAESEngine(Config{MasterKey: "k", Salt: []byte("salt-a"), Iterations: 1000})
	require.NoError(t, err)
	e2, err := NewAESEngine(Config{MasterKey: "k", Salt: []byte("salt-b"), Iterations: 1000})
	require.NoError(t, err)

	ct, err := e1.Encrypt([]byte("v"))
	require.NoError(t, err)
	_, err = e2.Decrypt(ct)
	require.Error(t, err)
}

func TestGenerateMasterKey(t *testing.T) {
	k1, err := GenerateMasterKey()
	require.NoError(t, err)
	k2, err := GenerateMasterKey()
	require.NoError(t, err)

	assert.Len(t, k1, 44)
	assert.NotEqual(t, k1, k2)
	testEngine(t, k1)
}
