// Package wallet implements the bitcoin side of billing: single-use payment
// keys, balance lookups and sweeping received funds to the merchant address.
package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
)

var (
	// ErrNothingToSweep is returned by Sweep when the key's address holds no
	// spendable outputs, e.g. because an earlier sweep already moved them.
	ErrNothingToSweep = errors.New("nothing to sweep")
	// ErrDustBalance is returned when the funds would not cover the network fee.
	ErrDustBalance = errors.New("balance does not cover sweep fee")
	// ErrRateLimited is returned when the local balance check budget is spent.
	ErrRateLimited = errors.New("local balance check rate limit hit")
	ErrInvalidKey  = errors.New("invalid private key")
)

// Key is a payment key: the address customers pay to and the serialized
// private key (WIF) able to spend from it
type Key struct {
	Address string
	Secret  string
}

// NetworkParams maps the configured network name onto chain parameters
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "test", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "live", "main", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("invalid network: %s", network)
	}
}

// BTCToSatoshis converts a BTC amount into an integral number of satoshis
func BTCToSatoshis(btc float64) (int64, error) {
	amount, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0, err
	}
	return int64(amount), nil
}

// SatoshisToBTC converts satoshis into a BTC amount
func SatoshisToBTC(satoshis int64) float64 {
	return btcutil.Amount(satoshis).ToBTC()
}

// FiatToSatoshis prices a fiat amount at the given rate (fiat units per BTC)
func FiatToSatoshis(fiat, rate float64) (int64, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("invalid exchange rate %v", rate)
	}
	return BTCToSatoshis(fiat / rate)
}
