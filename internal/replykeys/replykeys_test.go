package replykeys

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailrelay/internal/types"
)

func TestMessageIDBytes(t *testing.T) {
	tests := []struct {
		name      string
		messageID string
		want      string
	}{
		{"angle brackets and domain", "<abc123@mail.example.com>", "abc123"},
		{"no brackets", "abc123@mail.example.com", "abc123"},
		{"no domain", "<abc123>", "abc123>"},
		{"surrounding whitespace", "  <abc123@x.org>  ", "abc123"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(MessageIDBytes(tt.messageID)))
		})
	}
}

func TestDeriveReplyKeys_Deterministic(t *testing.T) {
	id := MessageIDBytes("<abc123@mail.example.com>")

	lookup1, enc1 := DeriveReplyKeys(id)
	lookup2, enc2 := DeriveReplyKeys(id)

	assert.Equal(t, lookup1, lookup2, "lookup key must be repeatable")
	assert.Equal(t, enc1, enc2, "encryption key must be repeatable")
	assert.Len(t, lookup1, 16)
	assert.Len(t, enc1, 32)
	assert.NotEqual(t, lookup1, enc1[:16], "keys must be independent")
}

func TestDeriveReplyKeys_DistinctInputs(t *testing.T) {
	// Statistical distinctness over random message ids.
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := make([]byte, 24)
		_, err := rand.Read(id)
		require.NoError(t, err)

		lookup, _ := DeriveReplyKeys(id)
		token := LookupToken(lookup)
		_, dup := seen[token]
		require.False(t, dup, "lookup collision after %d inputs", i)
		seen[token] = struct{}{}
	}
}

func TestLookupToken_URLSafe(t *testing.T) {
	lookup, _ := DeriveReplyKeys([]byte("some-message-id"))
	token := LookupToken(lookup)

	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")
	assert.NotContains(t, token, "=")
}

func TestEncryptDecryptMetadata_RoundTrip(t *testing.T) {
	_, key := DeriveReplyKeys([]byte("round-trip-id"))

	metadata := map[string]string{
		"message-id": "<abc123@mail.example.com>",
		"from":       "Sender <sender@example.com>",
		"reply-to":   "replies@example.com",
		"to":         "alias@relay.example, other@relay.example",
	}

	blob, err := EncryptMetadata(key, metadata)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	got, err := DecryptMetadata(key, blob)
	require.NoError(t, err)
	assert.Equal(t, metadata, got)
}

func TestEncryptMetadata_NonDeterministicBlob(t *testing.T) {
	_, key := DeriveReplyKeys([]byte("nonce-check"))
	metadata := map[string]string{"from": "a@example.com"}

	blob1, err := EncryptMetadata(key, metadata)
	require.NoError(t, err)
	blob2, err := EncryptMetadata(key, metadata)
	require.NoError(t, err)

	assert.NotEqual(t, blob1, blob2, "fresh nonce per encryption")
}

func TestDecryptMetadata_WrongKey(t *testing.T) {
	_, key := DeriveReplyKeys([]byte("right-key"))
	_, wrongKey := DeriveReplyKeys([]byte("wrong-key"))

	blob, err := EncryptMetadata(key, map[string]string{"from": "a@example.com"})
	require.NoError(t, err)

	got, err := DecryptMetadata(wrongKey, blob)
	require.Error(t, err)
	assert.Nil(t, got, "must never return a value on key mismatch")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeCryptoDecrypt, appErr.Code)
}

func TestDecryptMetadata_TamperedBlob(t *testing.T) {
	_, key := DeriveReplyKeys([]byte("tamper-check"))

	blob, err := EncryptMetadata(key, map[string]string{"to": "alias@relay.example"})
	require.NoError(t, err)

	// Flip a character in the base64 body.
	tampered := []byte(blob)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	_, err = DecryptMetadata(key, string(tampered))
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeCryptoDecrypt, appErr.Code)
}

func TestDecryptMetadata_MalformedBlobs(t *testing.T) {
	_, key := DeriveReplyKeys([]byte("malformed"))

	for i, blob := range []string{"", "!!!not-base64!!!", "AAAA"} {
		t.Run(fmt.Sprintf("blob_%d", i), func(t *testing.T) {
			_, err := DecryptMetadata(key, blob)
			require.Error(t, err)

			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeCryptoDecrypt, appErr.Code)
		})
	}
}
