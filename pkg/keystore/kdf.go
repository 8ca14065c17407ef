package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/forest6511/walletctl/pkg/crypto"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Supported KDF names as they appear in the "kdf" field.
const (
	KDFScrypt   = "scrypt"
	KDFArgon2id = "argon2id"
	KDFPBKDF2   = "pbkdf2"
)

const (
	dkLen = 32

	// StandardScryptN and StandardScryptP match geth's standard parameters.
	StandardScryptN = 1 << 18
	StandardScryptP = 1

	// LightScryptN and LightScryptP match geth's light parameters.
	LightScryptN = 1 << 12
	LightScryptP = 6

	scryptR = 8

	// MetaMaskPBKDF2Iterations is the iteration count MetaMask writes.
	MetaMaskPBKDF2Iterations = 262144

	// Upper bounds on costs accepted from a keystore file. A hostile file
	// must not be able to make a decrypt allocate gigabytes.
	maxScryptN      = 1 << 20
	maxScryptR      = 32
	maxScryptP      = 16
	maxScryptMemory = 128 * maxScryptN * scryptR // bytes, 1 GiB
	maxPBKDF2Rounds = 10_000_000
	maxArgon2Memory = 1 << 21 // KiB, 2 GiB
	maxArgon2Time   = 64
	minSaltLength   = 16
	prfHMACSHA256   = "hmac-sha256"
)

// Params selects the KDF and cost used by Encrypt.
type Params struct {
	KDF string `yaml:"kdf"`

	ScryptN int `yaml:"scrypt_n"`
	ScryptP int `yaml:"scrypt_p"`

	PBKDF2Iterations int `yaml:"pbkdf2_iterations"`

	Argon2 crypto.Argon2Params `yaml:"argon2"`
}

// StandardParams returns geth-compatible scrypt parameters.
func StandardParams() Params {
	return Params{KDF: KDFScrypt, ScryptN: StandardScryptN, ScryptP: StandardScryptP}
}

// LightParams returns cheaper scrypt parameters for constrained devices and
// tests.
func LightParams() Params {
	return Params{KDF: KDFScrypt, ScryptN: LightScryptN, ScryptP: LightScryptP}
}

// Argon2idParams returns Argon2id with the crypto package defaults.
func Argon2idParams() Params {
	return Params{KDF: KDFArgon2id, Argon2: crypto.DefaultArgon2Params()}
}

// Validate checks that the parameters can be used for encryption.
func (p Params) Validate() error {
	_, err := p.kdf()
	return err
}

func (p Params) kdf() (keyDeriver, error) {
	switch p.KDF {
	case KDFScrypt, "":
		n, pp := p.ScryptN, p.ScryptP
		if n == 0 {
			n = StandardScryptN
		}
		if pp == 0 {
			pp = StandardScryptP
		}
		return newScrypt(n, scryptR, pp)
	case KDFArgon2id:
		a := p.Argon2
		a.KeyLength = dkLen
		return newArgon2id(a)
	case KDFPBKDF2:
		c := p.PBKDF2Iterations
		if c == 0 {
			c = MetaMaskPBKDF2Iterations
		}
		return newPBKDF2(c)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, p.KDF)
	}
}

type keyDeriver interface {
	name() string
	params(salt []byte) KDFParams
	derive(password, salt []byte) ([]byte, error)
}

// kdfFromParams rebuilds the KDF described by a keystore file and bounds
// its cost.
func kdfFromParams(name string, kp KDFParams) (keyDeriver, []byte, error) {
	salt, err := hex.DecodeString(kp.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: salt is not hex", ErrMalformed)
	}
	if len(salt) < minSaltLength {
		return nil, nil, fmt.Errorf("%w: salt shorter than %d bytes", ErrInvalidKDFParams, minSaltLength)
	}
	if kp.DKLen != dkLen {
		return nil, nil, fmt.Errorf("%w: dklen must be %d", ErrInvalidKDFParams, dkLen)
	}

	var kdf keyDeriver
	switch name {
	case KDFScrypt:
		kdf, err = newScrypt(kp.N, kp.R, kp.P)
	case KDFPBKDF2:
		if kp.PRF != prfHMACSHA256 {
			return nil, nil, fmt.Errorf("%w: prf %q", ErrUnsupportedKDF, kp.PRF)
		}
		kdf, err = newPBKDF2(kp.C)
	case KDFArgon2id:
		kdf, err = newArgon2id(crypto.Argon2Params{
			Memory:      kp.Memory,
			Iterations:  kp.Iterations,
			Parallelism: kp.Parallelism,
			KeyLength:   dkLen,
		})
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, name)
	}
	if err != nil {
		return nil, nil, err
	}
	return kdf, salt, nil
}

type scryptKDF struct{ n, r, p int }

func newScrypt(n, r, p int) (*scryptKDF, error) {
	if n < 2 || n&(n-1) != 0 || n > maxScryptN {
		return nil, fmt.Errorf("%w: scrypt n=%d", ErrInvalidKDFParams, n)
	}
	if r < 1 || r > maxScryptR || p < 1 || p > maxScryptP {
		return nil, fmt.Errorf("%w: scrypt r=%d p=%d", ErrInvalidKDFParams, r, p)
	}
	if 128*int64(n)*int64(r) > maxScryptMemory {
		return nil, fmt.Errorf("%w: scrypt n=%d r=%d exceeds memory limit", ErrInvalidKDFParams, n, r)
	}
	return &scryptKDF{n: n, r: r, p: p}, nil
}

func (s *scryptKDF) name() string { return KDFScrypt }

func (s *scryptKDF) params(salt []byte) KDFParams {
	return KDFParams{DKLen: dkLen, Salt: hex.EncodeToString(salt), N: s.n, R: s.r, P: s.p}
}

func (s *scryptKDF) derive(password, salt []byte) ([]byte, error) {
	dk, err := scrypt.Key(password, salt, s.n, s.r, s.p, dkLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKDFParams, err)
	}
	return dk, nil
}

type pbkdf2KDF struct{ c int }

func newPBKDF2(c int) (*pbkdf2KDF, error) {
	if c < 1 || c > maxPBKDF2Rounds {
		return nil, fmt.Errorf("%w: pbkdf2 c=%d", ErrInvalidKDFParams, c)
	}
	return &pbkdf2KDF{c: c}, nil
}

func (k *pbkdf2KDF) name() string { return KDFPBKDF2 }

func (k *pbkdf2KDF) params(salt []byte) KDFParams {
	return KDFParams{DKLen: dkLen, Salt: hex.EncodeToString(salt), C: k.c, PRF: prfHMACSHA256}
}

func (k *pbkdf2KDF) derive(password, salt []byte) ([]byte, error) {
	return pbkdf2.Key(password, salt, k.c, dkLen, sha256.New), nil
}

type argon2idKDF struct{ p crypto.Argon2Params }

func newArgon2id(p crypto.Argon2Params) (*argon2idKDF, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKDFParams, err)
	}
	if p.Memory > maxArgon2Memory || p.Iterations > maxArgon2Time {
		return nil, fmt.Errorf("%w: argon2id cost too high", ErrInvalidKDFParams)
	}
	return &argon2idKDF{p: p}, nil
}

func (k *argon2idKDF) name() string { return KDFArgon2id }

func (k *argon2idKDF) params(salt []byte) KDFParams {
	return KDFParams{
		DKLen:       dkLen,
		Salt:        hex.EncodeToString(salt),
		Memory:      k.p.Memory,
		Iterations:  k.p.Iterations,
		Parallelism: k.p.Parallelism,
	}
}

func (k *argon2idKDF) derive(password, salt []byte) ([]byte, error) {
	return crypto.DeriveKey(password, salt, k.p), nil
}
