package backup

import (
	"errors"
	"fmt"
)

// Backup/Restore errors
var (
	// ErrUnsupportedVersion indicates the vault format version is not supported.
	ErrUnsupportedVersion = errors.New("backup: unsupported vault format version")

	// ErrMalformedVault indicates a field could not be decoded.
	ErrMalformedVault = errors.New("backup: malformed vault")

	// ErrAuthenticationFailed is the common cause of ErrDecryptionFailed
	// and ErrIntegrityFailed. Callers that must not tell a wrong password
	// from a tampered vault check this one.
	ErrAuthenticationFailed = errors.New("backup: authentication failed")

	// ErrIntegrityFailed indicates the HMAC verification failed.
	ErrIntegrityFailed = fmt.Errorf("%w: HMAC mismatch", ErrAuthenticationFailed)

	// ErrDecryptionFailed indicates a wrong password or a damaged key wrap.
	ErrDecryptionFailed = fmt.Errorf("%w: invalid password or corrupted data", ErrAuthenticationFailed)

	// ErrEmptyPassword indicates an empty password was provided.
	ErrEmptyPassword = errors.New("backup: password cannot be empty")

	// ErrNoShares indicates share recovery was requested for a vault created
	// without splitting.
	ErrNoShares = errors.New("backup: vault was not split into shares")

	// ErrInvalidSplit indicates unusable threshold/total values.
	ErrInvalidSplit = errors.New("backup: threshold must be at least 2 and at most total")

	// ErrInsufficientShares indicates fewer distinct shares than the threshold.
	ErrInsufficientShares = errors.New("backup: not enough shares to reach threshold")

	// ErrShareIntegrity indicates a damaged, forged or mismatched share.
	ErrShareIntegrity = errors.New("backup: share integrity check failed")

	// ErrMalformedShare indicates a share string could not be parsed.
	ErrMalformedShare = errors.New("backup: malformed share")
)

// IsCryptoError reports whether err is an authentication or integrity
// failure, as opposed to a format or I/O problem.
func IsCryptoError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrShareIntegrity) ||
		errors.Is(err, ErrInsufficientShares)
}
