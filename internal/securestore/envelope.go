package securestore

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "SLNENC1\n"
	kdfName         = "argon2id"

	// Bounds on the cost parameters accepted from an envelope header. A
	// crafted file must not be able to demand unbounded memory or time
	// before the passphrase check even runs.
	minMemoryKB = 8 * 1024
	maxMemoryKB = 2 * 1024 * 1024
	maxTime     = 16
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrLegacyData = errors.New("securestore legacy plaintext data")
	ErrBadParams  = errors.New("securestore kdf parameters out of bounds")
)

// Params are the argon2id cost parameters. Every envelope records the
// parameters it was sealed with, so files written under today's defaults stay
// readable after the defaults are hardened.
type Params struct {
	Time     uint32 `json:"time" yaml:"time"`
	MemoryKB uint32 `json:"memoryKB" yaml:"memoryKB"`
	Threads  uint8  `json:"threads" yaml:"threads"`
}

func DefaultParams() Params {
	return Params{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

func (p Params) validate() error {
	if p.Time == 0 || p.Time > maxTime || p.Threads == 0 ||
		p.MemoryKB < minMemoryKB || p.MemoryKB > maxMemoryKB {
		return ErrBadParams
	}
	return nil
}

// Envelope is the at-rest container for vault seed material and identity
// histories. The KDF header is authenticated as AAD, so it cannot be altered
// independently of the ciphertext.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func (e *Envelope) params() Params {
	return Params{Time: e.KDFTime, MemoryKB: e.KDFMemoryKB, Threads: e.KDFThreads}
}

func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	return EncryptWithParams(passphrase, plaintext, DefaultParams())
}

func EncryptWithParams(passphrase string, plaintext []byte, params Params) ([]byte, error) {
	env, err := EncryptEnvelope(passphrase, plaintext, params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func EncryptEnvelope(passphrase string, plaintext []byte, params Params) (*Envelope, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, headerAAD(params, salt))

	return &Envelope{
		Version:     envelopeVersion,
		KDF:         kdfName,
		KDFTime:     params.Time,
		KDFMemoryKB: params.MemoryKB,
		KDFThreads:  params.Threads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, nil
}

func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrLegacyData
	}
	data = data[len(filePrefix):]
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalid
	}
	return DecryptEnvelope(passphrase, &env)
}

func DecryptEnvelope(passphrase string, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != kdfName {
		return nil, ErrInvalid
	}
	params := env.params()
	if err := params.validate(); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, env.Salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, headerAAD(params, env.Salt))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte, params Params) []byte {
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKB, params.Threads, chacha20poly1305.KeySize)
}

// headerAAD binds the file format, version and KDF header to the ciphertext.
func headerAAD(params Params, salt []byte) []byte {
	b := make([]byte, 0, len(filePrefix)+len(kdfName)+14+len(salt))
	b = append(b, filePrefix...)
	b = binary.BigEndian.AppendUint32(b, envelopeVersion)
	b = append(b, kdfName...)
	b = binary.BigEndian.AppendUint32(b, params.Time)
	b = binary.BigEndian.AppendUint32(b, params.MemoryKB)
	b = append(b, params.Threads)
	b = append(b, salt...)
	return b
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
