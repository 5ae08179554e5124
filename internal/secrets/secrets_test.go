package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("test-master-key")
	require.NoError(t, err)

	for _, plain := range []string{"", "s3cret", "$aact_YTU5YTE0M2M2N2I4MTliNzk0YTI5N2U5MzdjNWZmNDQ6OjAwMDAwMDAwMDAwMDAwNzI0Mzc6OiRhYWNoXzY="} {
		ct, err := c.Encrypt(plain)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ct, "v1:"))
		assert.True(t, IsEncrypted(ct))

		got, err := c.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestCipher_NonceIsRandom(t *testing.T) {
	c, _ := NewCipher("k")
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	assert.NotEqual(t, a, b)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	a, _ := NewCipher("key-a")
	b, _ := NewCipher("key-b")

	ct, err := a.Encrypt("hello")
	require.NoError(t, err)

	_, err = b.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCipher_TamperedFails(t *testing.T) {
	c, _ := NewCipher("k")
	ct, _ := c.Encrypt("hello")
	tampered := ct[:len(ct)-2] + "AA"
	if tampered == ct {
		tampered = ct[:len(ct)-2] + "BB"
	}
	_, err := c.Decrypt(tampered)
	assert.Error(t, err)
}

func TestCipher_UnknownVersion(t *testing.T) {
	c, _ := NewCipher("k")
	_, err := c.Decrypt("v9:AAAA")
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
}

func TestCipher_Malformed(t *testing.T) {
	c, _ := NewCipher("k")
	for _, s := range []string{"plain", "v1:!!!", "vx:AAAA", "v1:AA=="} {
		_, err := c.Decrypt(s)
		assert.ErrorIs(t, err, ErrMalformed, s)
	}
}

func TestNewCipher_EmptyKey(t *testing.T) {
	_, err := NewCipher("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "****", Mask("short"))
	assert.Equal(t, "****", Mask("12345678"))
	assert.Equal(t, "****", Mask("123456789"))
	assert.Equal(t, "****", Mask("sk_test_abcdefg"), "15 characters reveal nothing")
	assert.Equal(t, "sk_t****defg", Mask("sk_test_abcddefg"))
	assert.Equal(t, "$aac****Q6Ng", Mask("$aact_abcdefghijQ6Ng"))

	secret := "sk_test_51Habcdefghijklmnop"
	masked := Mask(secret)
	assert.NotContains(t, masked, "abcdefghijklmnop")
	assert.Equal(t, 12, len(masked))
}

func TestMask_AfterDecrypt(t *testing.T) {
	c, _ := NewCipher("k")
	ct, _ := c.Encrypt("sk_live_0123456789abcdef")
	plain, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "sk_l****cdef", Mask(plain))
}
