package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Keyring performs envelope encryption: each credential gets a fresh
// data key sealed with XChaCha20-Poly1305, and the data key itself is
// wrapped by the master key. Rotating the master key only requires
// re-wrapping data keys, never re-encrypting payloads.
type Keyring struct {
	master []byte
	keyRef string
}

// Envelope is the persisted form of an encrypted credential payload.
// Both fields carry their nonce as a prefix.
type Envelope struct {
	KeyRef     string
	WrappedKey []byte
	Ciphertext []byte
}

var (
	ErrInvalidMasterKey = errors.New("invalid_master_key")
	ErrMalformedPayload = errors.New("malformed_encrypted_payload")
)

func NewKeyring(masterKeyBase64 string) (*Keyring, error) {
	if masterKeyBase64 == "" {
		return nil, ErrInvalidMasterKey
	}
	master, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	if len(master) != chacha20poly1305.KeySize {
		return nil, ErrInvalidMasterKey
	}
	return &Keyring{master: master, keyRef: "master-v1"}, nil
}

func (k *Keyring) Seal(plaintext []byte) (Envelope, error) {
	dataKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return Envelope{}, err
	}

	ciphertext, err := seal(dataKey, plaintext)
	if err != nil {
		return Envelope{}, err
	}
	wrappedKey, err := seal(k.master, dataKey)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		KeyRef:     k.keyRef,
		WrappedKey: wrappedKey,
		Ciphertext: ciphertext,
	}, nil
}

func (k *Keyring) Open(env Envelope) ([]byte, error) {
	dataKey, err := open(k.master, env.WrappedKey)
	if err != nil {
		return nil, err
	}
	defer Zero(dataKey)
	return open(dataKey, env.Ciphertext)
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrMalformedPayload
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrMalformedPayload
	}
	return plaintext, nil
}

// Zero overwrites sensitive byte slices in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
