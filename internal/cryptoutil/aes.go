package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"errors"
)

// ErrInvalidBlockSize is returned when ciphertext is not a multiple of
// the AES block size.
var ErrInvalidBlockSize = errors.New("cryptoutil: ciphertext is not a multiple of the AES block size")

// CBCDecrypter wraps an AES-128-CBC stream cipher over a fixed key and
// IV, matching the way RAOP encrypts audio payloads: every packet is
// decrypted independently with the session IV, and any final partial
// block below 16 bytes is passed through unmodified (RAOP only
// encrypts whole 16-byte blocks per packet and leaves the remainder in
// the clear).
type CBCDecrypter struct {
	block cipher.Block
	iv    []byte
}

// NewCBCDecrypter builds a decrypter from the session AES key and IV
// extracted from the ANNOUNCE request.
func NewCBCDecrypter(key, iv []byte) (*CBCDecrypter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.New("cryptoutil: iv must be 16 bytes")
	}
	ivCopy := make([]byte, aes.BlockSize)
	copy(ivCopy, iv)
	return &CBCDecrypter{block: block, iv: ivCopy}, nil
}

// DecryptPacket decrypts the full-block-aligned prefix of data in
// place using a fresh CBC stream seeded with the session IV, leaving
// any trailing partial block untouched, and returns the same slice.
func (d *CBCDecrypter) DecryptPacket(data []byte) []byte {
	n := (len(data) / aes.BlockSize) * aes.BlockSize
	if n == 0 {
		return data
	}
	mode := cipher.NewCBCDecrypter(d.block, d.iv)
	mode.CryptBlocks(data[:n], data[:n])
	return data
}

// MD5Hex returns the lowercase hex MD5 digest of s, the building block
// for RTSP Digest auth's HA1/HA2/response chain.
func MD5Hex(parts ...string) string {
	h := md5.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte(":"))
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
