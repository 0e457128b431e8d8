package billing

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPubKey = errors.New("invalid public key")
	ErrNotTestnet    = errors.New("time grants are only allowed on a test network")
	ErrServiceFull   = errors.New("no room for new users")
	ErrKeyMismatch   = errors.New("invoice key does not control invoice address")
)

// WalletError is a balance, sweep or broadcast failure for one invoice. The
// invoice is left as it was and retried on the next pass.
type WalletError struct {
	Op      string
	Address string
	Err     error
}

func (e *WalletError) Error() string {
	return fmt.Sprintf("wallet %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *WalletError) Unwrap() error {
	return e.Err
}
