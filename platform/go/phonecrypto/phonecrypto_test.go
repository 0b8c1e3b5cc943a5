package phonecrypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "already canonical", in: "+233241234567", want: "+233241234567"},
		{name: "spaces and dashes", in: "+233 24-123-4567", want: "+233241234567"},
		{name: "parentheses", in: "+1 (415) 555.0100", want: "+14155550100"},
		{name: "missing plus", in: "233241234567", wantErr: true},
		{name: "too short", in: "+1234567", wantErr: true},
		{name: "too long", in: "+1234567890123456", wantErr: true},
		{name: "letters", in: "+233ABC1234567", wantErr: true},
		{name: "plus in middle", in: "+233+241234567", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	t.Parallel()

	_, err := New("not-hex")
	require.Error(t, err)

	_, err = New("abcd")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	codec, err := New(testKey)
	require.NoError(t, err)

	enc, err := codec.Encrypt("+233 24 123 4567")
	require.NoError(t, err)
	require.NotContains(t, enc, "233241234567")

	plain, err := codec.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "+233241234567", plain)

	// A fresh nonce per call means ciphertexts differ for the same input.
	enc2, err := codec.Encrypt("+233241234567")
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2)
}

func TestDecryptRejectsTampering(t *testing.T) {
	t.Parallel()

	codec, err := New(testKey)
	require.NoError(t, err)

	_, err = codec.Decrypt("!!!")
	require.ErrorIs(t, err, ErrCiphertextInvalid)

	_, err = codec.Decrypt("c2hvcnQ=")
	require.ErrorIs(t, err, ErrCiphertextInvalid)

	enc, err := codec.Encrypt("+233241234567")
	require.NoError(t, err)
	other, err := New(strings.Repeat("ff", 32))
	require.NoError(t, err)
	_, err = other.Decrypt(enc)
	require.ErrorIs(t, err, ErrCiphertextInvalid)
}

func TestHashIsDeterministicOverFormatting(t *testing.T) {
	t.Parallel()

	codec, err := New(testKey)
	require.NoError(t, err)

	a, err := codec.Hash("+233241234567")
	require.NoError(t, err)
	b, err := codec.Hash("+233 24-123-4567")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := codec.Hash("+233241234568")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
