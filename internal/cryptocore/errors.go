package cryptocore

import "errors"

var (
	ErrMissingOneTimeKey     = errors.New("cryptocore: missing one-time prekey")
	ErrInvalidRemoteKey      = errors.New("cryptocore: invalid remote ratchet key")
	ErrDuplicateMessage      = errors.New("cryptocore: duplicate message")
	ErrDecryptionFailed      = errors.New("cryptocore: message authentication failed")
	ErrHistoricalKeyRequired = errors.New("cryptocore: message index precedes first known index")
	ErrIndexNotReached       = errors.New("cryptocore: session has not reached requested index")
)
