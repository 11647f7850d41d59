// Package replykeys implements the cryptographic protocol behind reply
// records: a one-way derivation from an outbound message id to a pair of
// independent keys (a store lookup key and a metadata encryption key), and
// authenticated encryption of the small metadata blob stored under the
// lookup key.
//
// The derivation is deterministic so that an inbound reply carrying the
// original message id in In-Reply-To re-derives the same pair, and one-way
// so that neither the store operator (who sees lookup tokens) nor anyone
// holding a single key can recover the message id or the sibling key.
package replykeys

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"mailrelay/internal/types"
)

const (
	// lookupKeySize is the size of the store lookup key in bytes.
	// 128 bits keeps tokens short while making collisions negligible.
	lookupKeySize = 16

	// encryptionKeySize matches the XChaCha20-Poly1305 key size.
	encryptionKeySize = chacha20poly1305.KeySize
)

// HKDF expansion labels. These are part of the stored-record wire format:
// changing them orphans every record already persisted.
var (
	lookupInfo     = []byte("relay reply lookup key")
	encryptionInfo = []byte("relay reply encryption key")
)

// MessageIDBytes normalizes a Message-ID header value into the byte string
// keys are derived from: the part before the first "@", with angle brackets
// and surrounding whitespace removed. Mail clients re-quote and re-fold the
// full header value inconsistently; the local part survives intact.
func MessageIDBytes(messageID string) []byte {
	id, _, _ := strings.Cut(messageID, "@")
	id = strings.ReplaceAll(id, "<", "")
	return []byte(strings.TrimSpace(id))
}

// DeriveReplyKeys derives the (lookupKey, encryptionKey) pair from message-id
// bytes via HKDF-SHA256. The two keys come from separate expansions with
// distinct info labels, so knowledge of one reveals nothing about the other.
func DeriveReplyKeys(messageIDBytes []byte) (lookupKey, encryptionKey []byte) {
	prk := hkdf.Extract(sha256.New, messageIDBytes, nil)

	lookupKey = make([]byte, lookupKeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, lookupInfo), lookupKey); err != nil {
		// Expand only fails when asked for more than 255*HashLen bytes.
		panic("replykeys: hkdf expand: " + err.Error())
	}

	encryptionKey = make([]byte, encryptionKeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, encryptionInfo), encryptionKey); err != nil {
		panic("replykeys: hkdf expand: " + err.Error())
	}

	return lookupKey, encryptionKey
}

// LookupToken renders a lookup key as the URL-safe textual token used as the
// remote store index.
func LookupToken(lookupKey []byte) string {
	return base64.RawURLEncoding.EncodeToString(lookupKey)
}

// EncryptMetadata seals the metadata map under the encryption key with
// XChaCha20-Poly1305 and returns an opaque base64 blob. The random nonce is
// prepended to the ciphertext inside the blob.
func EncryptMetadata(encryptionKey []byte, metadata map[string]string) (string, error) {
	aead, err := chacha20poly1305.NewX(encryptionKey)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "bad metadata encryption key", err)
	}

	plaintext, err := json.Marshal(metadata)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode reply metadata", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate nonce", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptMetadata is the exact inverse of EncryptMetadata. It fails with a
// crypto_metadata_decrypt_failed AppError when the key or blob does not
// match; it never returns partial or corrupted metadata.
func DecryptMetadata(encryptionKey []byte, blob string) (map[string]string, error) {
	aead, err := chacha20poly1305.NewX(encryptionKey)
	if err != nil {
		return nil, decryptError(err)
	}

	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, decryptError(err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, decryptError(nil)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := open(aead, nonce, ciphertext)
	if err != nil {
		return nil, decryptError(err)
	}

	var metadata map[string]string
	if err := json.Unmarshal(plaintext, &metadata); err != nil {
		return nil, decryptError(err)
	}
	return metadata, nil
}

// open wraps aead.Open so that a tampered blob surfaces as an error rather
// than a panic, whatever the underlying implementation does.
func open(aead cipher.AEAD, nonce, ciphertext []byte) (plaintext []byte, err error) {
	return aead.Open(nil, nonce, ciphertext, nil)
}

func decryptError(err error) *types.AppError {
	return types.NewAppError(types.ErrCodeCryptoDecrypt,
		"reply metadata does not match encryption key", err)
}
