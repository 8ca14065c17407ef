package backup

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/shamir"

	"github.com/google/uuid"
)

const (
	shareTextPrefix = "walletctl-share"
	shareTextV1     = "v1"
	checksumLength  = 8
	digestLength    = 16
)

// Share is one piece of a split secret. Data carries the shamir share bytes
// (including the x coordinate); Checksum binds it to its set and position.
type Share struct {
	SetID     string `json:"set_id"`
	Threshold int    `json:"threshold"`
	Index     int    `json:"index"`
	Data      string `json:"data"`
	Checksum  string `json:"checksum"`
}

// Split divides secret into total shares, any threshold of which recover it
// through Combine. A digest of the secret travels inside the split so that
// forged shares are detected after recombination.
func Split(secret []byte, threshold, total int) ([]Share, error) {
	if threshold < 2 || threshold > total || total > shamir.MaxShares {
		return nil, ErrInvalidSplit
	}
	setID := uuid.NewString()

	plain := make([]byte, 0, len(secret)+digestLength)
	plain = append(plain, secret...)
	plain = append(plain, secretDigest(setID, secret)...)
	defer crypto.SecureWipe(plain)

	parts, err := shamir.Split(plain, total, threshold)
	if err != nil {
		return nil, fmt.Errorf("backup: split failed: %w", err)
	}

	shares := make([]Share, total)
	for i, p := range parts {
		shares[i] = Share{
			SetID:     setID,
			Threshold: threshold,
			Index:     i + 1,
			Data:      hex.EncodeToString(p),
		}
		shares[i].Checksum = hex.EncodeToString(shares[i].checksum())
		crypto.SecureWipe(p)
	}
	return shares, nil
}

// Combine recovers the secret from at least threshold distinct shares of one
// set. It fails with ErrInsufficientShares below the threshold and with
// ErrShareIntegrity when any share was altered.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrInsufficientShares
	}
	setID, threshold := shares[0].SetID, shares[0].Threshold

	byIndex := make(map[int][]byte, len(shares))
	for _, s := range shares {
		if s.SetID != setID || s.Threshold != threshold {
			return nil, fmt.Errorf("%w: shares belong to different sets", ErrShareIntegrity)
		}
		if !s.valid() {
			return nil, fmt.Errorf("%w: share %d checksum mismatch", ErrShareIntegrity, s.Index)
		}
		data, err := hex.DecodeString(s.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: share %d", ErrMalformedShare, s.Index)
		}
		if prev, ok := byIndex[s.Index]; ok {
			if subtle.ConstantTimeCompare(prev, data) != 1 {
				return nil, fmt.Errorf("%w: conflicting copies of share %d", ErrShareIntegrity, s.Index)
			}
			continue
		}
		byIndex[s.Index] = data
	}
	if threshold < 2 || len(byIndex) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(byIndex), threshold)
	}

	parts := make([][]byte, 0, len(byIndex))
	for _, d := range byIndex {
		parts = append(parts, d)
	}
	plain, err := shamir.Combine(parts)
	for _, p := range parts {
		crypto.SecureWipe(p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShareIntegrity, err)
	}
	defer crypto.SecureWipe(plain)

	if len(plain) <= digestLength {
		return nil, ErrShareIntegrity
	}
	secret := plain[:len(plain)-digestLength]
	digest := plain[len(plain)-digestLength:]
	if subtle.ConstantTimeCompare(digest, secretDigest(setID, secret)) != 1 {
		return nil, fmt.Errorf("%w: recovered secret does not match digest", ErrShareIntegrity)
	}

	out := make([]byte, len(secret))
	copy(out, secret)
	return out, nil
}

func secretDigest(setID string, secret []byte) []byte {
	h := sha256.New()
	h.Write([]byte(shareTextPrefix))
	h.Write([]byte(setID))
	h.Write(secret)
	return h.Sum(nil)[:digestLength]
}

func (s Share) checksum() []byte {
	h := sha256.New()
	var n [8]byte
	binary.BigEndian.PutUint32(n[:4], uint32(s.Threshold))
	binary.BigEndian.PutUint32(n[4:], uint32(s.Index))
	h.Write([]byte(s.SetID))
	h.Write(n[:])
	h.Write([]byte(s.Data))
	return h.Sum(nil)[:checksumLength]
}

func (s Share) valid() bool {
	want, err := hex.DecodeString(s.Checksum)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, s.checksum()) == 1
}

// String encodes the share as a single line suitable for printing or a QR
// code: walletctl-share:v1:<set>:<threshold>:<index>:<data>:<checksum>.
func (s Share) String() string {
	return strings.Join([]string{
		shareTextPrefix, shareTextV1, s.SetID,
		strconv.Itoa(s.Threshold), strconv.Itoa(s.Index), s.Data, s.Checksum,
	}, ":")
}

// ParseShare decodes the output of Share.String.
func ParseShare(text string) (Share, error) {
	f := strings.Split(strings.TrimSpace(text), ":")
	if len(f) != 7 || f[0] != shareTextPrefix || f[1] != shareTextV1 {
		return Share{}, ErrMalformedShare
	}
	threshold, err := strconv.Atoi(f[3])
	if err != nil {
		return Share{}, fmt.Errorf("%w: threshold", ErrMalformedShare)
	}
	index, err := strconv.Atoi(f[4])
	if err != nil {
		return Share{}, fmt.Errorf("%w: index", ErrMalformedShare)
	}
	return Share{SetID: f[2], Threshold: threshold, Index: index, Data: f[5], Checksum: f[6]}, nil
}
