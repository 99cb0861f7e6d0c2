// Package peerframe implements the header the core prepends to every
// inter-node message: a fixed-size prefix carrying the message id, a
// request/response marker, and an optional encryption indicator, followed
// by the (optionally AES-CBC encrypted) payload. Bit-level layout is this
// package's concern; the core only calls Write/ReadHeader/Decrypt.
package peerframe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// headerLen is msg_id(8) + flags(1) + payload_len(4).
const headerLen = 13

const (
	flagResponse = 1 << 0
	flagSecured  = 1 << 1
)

// ErrShortHeader signals a header buffer shorter than headerLen.
var ErrShortHeader = errors.New("peerframe: short header")

// ErrCiphertextLen signals a ciphertext not a multiple of the AES block
// size, or too short to hold its IV.
var ErrCiphertextLen = errors.New("peerframe: invalid ciphertext length")

// Header is the decoded prefix of a peer frame.
type Header struct {
	MsgID      uint64
	IsResponse bool
	Secured    bool
	PayloadLen uint32
}

// DeriveKey derives a 32-byte AES-256 session key from a cluster
// passphrase and a salt (cmd/dynode passes the cluster name, deriving one
// key per node that every peer link shares).
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, 4096, 32, sha256.New)
}

// Write produces the prepended header buffer and, when key is non-nil,
// the AES-CBC-encrypted payload. msgID echoes the request's id on a
// response (contract (b) of the peer-frame interface). The returned
// payload length in the header matches the post-encryption length
// (contract (c)).
func Write(msgID uint64, isResponse bool, payload []byte, key []byte) (header []byte, body []byte, err error) {
	secured := key != nil
	if secured {
		body, err = encrypt(payload, key)
		if err != nil {
			return nil, nil, err
		}
	} else {
		body = payload
	}

	h := make([]byte, headerLen)
	binary.BigEndian.PutUint64(h[0:8], msgID)
	var flags byte
	if isResponse {
		flags |= flagResponse
	}
	if secured {
		flags |= flagSecured
	}
	h[8] = flags
	binary.BigEndian.PutUint32(h[9:13], uint32(len(body)))
	return h, body, nil
}

// ReadHeader decodes a header buffer.
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, ErrShortHeader
	}
	flags := buf[8]
	return Header{
		MsgID:      binary.BigEndian.Uint64(buf[0:8]),
		IsResponse: flags&flagResponse != 0,
		Secured:    flags&flagSecured != 0,
		PayloadLen: binary.BigEndian.Uint32(buf[9:13]),
	}, nil
}

// HeaderLen is the fixed size of a peer frame header.
func HeaderLen() int { return headerLen }

// Decrypt reverses Write's encryption step when hdr.Secured is set;
// otherwise it returns body unchanged.
func Decrypt(hdr Header, body []byte, key []byte) ([]byte, error) {
	if !hdr.Secured {
		return body, nil
	}
	return decrypt(body, key)
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, block.BlockSize()+len(padded))
	iv := out[:block.BlockSize()]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[block.BlockSize():], padded)
	return out, nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(ciphertext) < bs || (len(ciphertext)-bs)%bs != 0 {
		return nil, ErrCiphertextLen
	}
	iv := ciphertext[:bs]
	payload := make([]byte, len(ciphertext)-bs)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(payload, ciphertext[bs:])
	return pkcs7Unpad(payload)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCiphertextLen
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrCiphertextLen
	}
	return data[:len(data)-padLen], nil
}
