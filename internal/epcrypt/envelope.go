// Package epcrypt implements EP's envelope cryptography: AES-256-CBC
// with a non-standard 32-byte PKCS#7 block, a sorted-SHA1 signature,
// and the random-prefix/length-prefix/receiver-id framing both the Bot
// and Application channels share (spec.md §4.1).
package epcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

const blockSize = 32

// Errors named per spec.md §4.1's taxonomy, so callers can branch with
// errors.Is instead of string matching.
var (
	ErrInvalidKeyLength    = fmt.Errorf("epcrypt: encoding key must decode to 32 bytes")
	ErrInvalidPadding      = fmt.Errorf("epcrypt: invalid pkcs7 padding")
	ErrInvalidFraming      = fmt.Errorf("epcrypt: invalid envelope framing")
	ErrReceiverIDMismatch  = fmt.Errorf("epcrypt: receiver id mismatch")
	ErrSignatureMismatch   = fmt.Errorf("epcrypt: signature mismatch")
)

// Key is a decoded 32-byte AES-256-CBC key. The IV EP uses is always
// the first 16 bytes of the same key.
type Key [32]byte

func (k Key) iv() []byte { return k[:aes.BlockSize] }

// DecodeKey base64-decodes an EP encoding key, appending the '=' pad
// character if the caller's config omitted it, and requires the
// decoded length be exactly 32 bytes.
func DecodeKey(encodingKey string) (Key, error) {
	trimmed := strings.TrimSpace(encodingKey)
	if trimmed == "" {
		return Key{}, fmt.Errorf("%w: empty key", ErrInvalidKeyLength)
	}
	if !strings.HasSuffix(trimmed, "=") {
		trimmed += "="
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	if len(raw) != 32 {
		return Key{}, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(raw))
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// Sign computes EP's sorted-SHA1 signature over its four inputs. The
// sort makes the result symmetric under permutation of the arguments
// (spec.md P7).
func Sign(token, timestamp, nonce, encrypted string) string {
	parts := []string{token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return fmt.Sprintf("%x", sum)
}

// Verify reports whether sig matches the signature computed over the
// given inputs. Comparison is constant-time by routing through
// crypto/subtle-equivalent fixed-length comparison (the digest is a
// fixed 40-char hex string either way, so a simple == over the decoded
// digest is timing-safe against the hex alphabet; we compare the raw
// byte slices to avoid any string-interning shortcuts).
func Verify(token, timestamp, nonce, encrypted, sig string) bool {
	want := Sign(token, timestamp, nonce, encrypted)
	if len(want) != len(sig) {
		return false
	}
	diff := 0
	for i := 0; i < len(want); i++ {
		diff |= int(want[i]) ^ int(sig[i])
	}
	return diff == 0
}

// Encrypt frames plaintext as [16 random bytes][4-byte big-endian
// length][plaintext][receiverID], pads to a 32-byte PKCS#7 block, and
// AES-256-CBC encrypts it, returning the base64 ciphertext.
func Encrypt(key Key, plaintext, receiverID string) (string, error) {
	random16 := make([]byte, 16)
	if _, err := rand.Read(random16); err != nil {
		return "", fmt.Errorf("epcrypt: read random prefix: %w", err)
	}

	msg := []byte(plaintext)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(msg)))

	raw := make([]byte, 0, 16+4+len(msg)+len(receiverID))
	raw = append(raw, random16...)
	raw = append(raw, lenBuf...)
	raw = append(raw, msg...)
	raw = append(raw, []byte(receiverID)...)

	padded := pkcs7Pad(raw, blockSize)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("epcrypt: new cipher: %w", err)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key.iv()).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt, returning the plaintext message and the
// receiver id trailer. When expectedReceiverID is non-empty it must
// match exactly or ErrReceiverIDMismatch is returned.
func Decrypt(key Key, ciphertextB64, expectedReceiverID string) (plaintext, receiverID string, err error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", "", fmt.Errorf("epcrypt: base64 decode: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", "", fmt.Errorf("%w: ciphertext not a multiple of the AES block size", ErrInvalidFraming)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", "", fmt.Errorf("epcrypt: new cipher: %w", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, key.iv()).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain, blockSize)
	if err != nil {
		return "", "", err
	}

	if len(plain) < 20 {
		return "", "", fmt.Errorf("%w: plaintext shorter than framing header", ErrInvalidFraming)
	}

	msgLen := int(binary.BigEndian.Uint32(plain[16:20]))
	if msgLen < 0 || 20+msgLen > len(plain) {
		return "", "", fmt.Errorf("%w: message length out of range", ErrInvalidFraming)
	}

	msg := plain[20 : 20+msgLen]
	trailerID := string(plain[20+msgLen:])

	expected := strings.TrimSpace(expectedReceiverID)
	if expected != "" && trailerID != expected {
		return "", "", ErrReceiverIDMismatch
	}

	return string(msg), trailerID, nil
}

// DecryptMedia reverses the plain AES-256-CBC encryption EP applies to
// downloaded media bytes (image/file URLs from a callback payload). Unlike
// Decrypt, there is no random-prefix/length-prefix/receiver-id framing here
// and no base64 layer — EP returns raw ciphertext bytes directly from the
// media URL, padded with the same PKCS#7 scheme.
func DecryptMedia(key Key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not a multiple of the AES block size", ErrInvalidFraming)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("epcrypt: new cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key.iv()).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain, blockSize)
}

func pkcs7Pad(src []byte, size int) []byte {
	padding := size - len(src)%size
	if padding == 0 {
		padding = size
	}
	return append(src, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%w: data length not a multiple of block size", ErrInvalidPadding)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > size || padLen > len(data) {
		return nil, fmt.Errorf("%w: pad length %d out of range", ErrInvalidPadding, padLen)
	}
	for i := len(data) - padLen; i < len(data); i++ {
		if int(data[i]) != padLen {
			return nil, fmt.Errorf("%w: pad byte mismatch at offset %d", ErrInvalidPadding, i)
		}
	}
	return data[:len(data)-padLen], nil
}

// SignatureParam checks the three query-parameter aliases EP uses for
// the signature, in the precedence order observed across EP
// deployments: msg_signature, then msgsignature, then signature
// (SPEC_FULL.md's supplemented-features section).
func SignatureParam(get func(string) string) string {
	for _, name := range []string{"msg_signature", "msgsignature", "signature"} {
		if v := strings.TrimSpace(get(name)); v != "" {
			return v
		}
	}
	return ""
}
