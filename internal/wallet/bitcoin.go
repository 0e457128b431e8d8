package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"golang.org/x/time/rate"
)

// Sizes of a legacy P2PKH transaction, used to estimate the sweep fee.
const (
	txOverheadVBytes = 10
	p2pkhInputVBytes = 148
	p2pkhOutputBytes = 34
	dustLimit        = 546
)

// Chain is the blockchain backend the wallet reads from and broadcasts to
type Chain interface {
	UTXOs(ctx context.Context, address string) ([]UTXO, error)
	TipHeight(ctx context.Context) (int64, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

// Options configures a Bitcoin wallet
type Options struct {
	Params               *chaincfg.Params
	Destination          string // merchant address every sweep pays to
	MinConfirmations     int64
	FeeRate              int64 // satoshis per vbyte
	BalanceChecksPerHour int
}

// Bitcoin generates payment keys, checks their balances and sweeps them
type Bitcoin struct {
	chain       Chain
	params      *chaincfg.Params
	destination btcutil.Address
	minConf     int64
	feeRate     int64
	checks      *rate.Limiter
}

// NewBitcoin creates a wallet sending swept funds to opts.Destination
func NewBitcoin(chain Chain, opts Options) (*Bitcoin, error) {
	if opts.Params == nil {
		opts.Params = &chaincfg.TestNet3Params
	}
	if opts.Destination == "" {
		return nil, fmt.Errorf("no destination address specified")
	}
	dest, err := btcutil.DecodeAddress(opts.Destination, opts.Params)
	if err != nil {
		return nil, fmt.Errorf("decode destination: %w", err)
	}
	if !dest.IsForNet(opts.Params) {
		return nil, fmt.Errorf("destination %s is not on %s", opts.Destination, opts.Params.Name)
	}
	if opts.FeeRate <= 0 {
		opts.FeeRate = 10
	}

	checks := rate.NewLimiter(rate.Inf, 0)
	if opts.BalanceChecksPerHour > 0 {
		checks = rate.NewLimiter(rate.Limit(float64(opts.BalanceChecksPerHour)/3600), opts.BalanceChecksPerHour)
	}

	return &Bitcoin{
		chain:       chain,
		params:      opts.Params,
		destination: dest,
		minConf:     opts.MinConfirmations,
		feeRate:     opts.FeeRate,
		checks:      checks,
	}, nil
}

// Testnet reports whether the wallet runs on a test network
func (b *Bitcoin) Testnet() bool {
	return b.params.Net != chaincfg.MainNetParams.Net
}

// GenerateKey makes a new single-use payment key
func (b *Bitcoin) GenerateKey() (Key, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	wif, err := btcutil.NewWIF(priv, b.params, true)
	if err != nil {
		return Key{}, fmt.Errorf("encode key: %w", err)
	}
	addr, err := b.addressOf(wif)
	if err != nil {
		return Key{}, err
	}
	return Key{Address: addr.EncodeAddress(), Secret: wif.String()}, nil
}

// AddressOf returns the address a serialized key receives funds at
func (b *Bitcoin) AddressOf(secret string) (string, error) {
	wif, err := b.loadKey(secret)
	if err != nil {
		return "", err
	}
	addr, err := b.addressOf(wif)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (b *Bitcoin) loadKey(secret string) (*btcutil.WIF, error) {
	wif, err := btcutil.DecodeWIF(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !wif.IsForNet(b.params) {
		return nil, fmt.Errorf("%w: not a %s key", ErrInvalidKey, b.params.Name)
	}
	return wif, nil
}

func (b *Bitcoin) addressOf(wif *btcutil.WIF) (*btcutil.AddressPubKeyHash, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(wif.SerializePubKey()), b.params)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	return addr, nil
}

// GetBalance returns the spendable balance of an address in satoshis,
// counting only outputs with enough confirmations
func (b *Bitcoin) GetBalance(ctx context.Context, address string) (int64, error) {
	if !b.checks.Allow() {
		return 0, ErrRateLimited
	}

	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil || !addr.IsForNet(b.params) {
		return 0, fmt.Errorf("invalid address: %s", address)
	}

	utxos, err := b.spendable(ctx, address)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

func (b *Bitcoin) spendable(ctx context.Context, address string) ([]UTXO, error) {
	utxos, err := b.chain.UTXOs(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("list utxos: %w", err)
	}
	if b.minConf <= 0 {
		return utxos, nil
	}

	var tip int64
	if b.minConf > 1 {
		if tip, err = b.chain.TipHeight(ctx); err != nil {
			return nil, fmt.Errorf("tip height: %w", err)
		}
	}

	var ok []UTXO
	for _, u := range utxos {
		if !u.Status.Confirmed {
			continue
		}
		if b.minConf > 1 && u.Confirmations(tip) < b.minConf {
			continue
		}
		ok = append(ok, u)
	}
	return ok, nil
}

// Sweep moves every spendable output of the key's address to the merchant
// destination and returns the amount moved in satoshis. An address with no
// spendable outputs yields ErrNothingToSweep.
func (b *Bitcoin) Sweep(ctx context.Context, secret string) (int64, error) {
	wif, err := b.loadKey(secret)
	if err != nil {
		return 0, err
	}
	source, err := b.addressOf(wif)
	if err != nil {
		return 0, err
	}

	utxos, err := b.spendable(ctx, source.EncodeAddress())
	if err != nil {
		return 0, err
	}
	if len(utxos) == 0 {
		return 0, ErrNothingToSweep
	}

	tx, moved, err := b.buildSweep(wif, source, utxos)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return 0, fmt.Errorf("serialize tx: %w", err)
	}
	if _, err := b.chain.Broadcast(ctx, hex.EncodeToString(buf.Bytes())); err != nil {
		return 0, fmt.Errorf("broadcast: %w", err)
	}
	return moved, nil
}

func (b *Bitcoin) buildSweep(wif *btcutil.WIF, source btcutil.Address, utxos []UTXO) (*wire.MsgTx, int64, error) {
	var total int64
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, 0, fmt.Errorf("parse txid %s: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
		total += u.Value
	}

	fee := b.feeRate * int64(txOverheadVBytes+p2pkhInputVBytes*len(utxos)+p2pkhOutputBytes)
	moved := total - fee
	if moved < dustLimit {
		return nil, 0, fmt.Errorf("%w: have %d, fee %d", ErrDustBalance, total, fee)
	}

	destScript, err := txscript.PayToAddrScript(b.destination)
	if err != nil {
		return nil, 0, fmt.Errorf("destination script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(moved, destScript))

	sourceScript, err := txscript.PayToAddrScript(source)
	if err != nil {
		return nil, 0, fmt.Errorf("source script: %w", err)
	}
	for i := range tx.TxIn {
		sig, err := txscript.SignatureScript(tx, i, sourceScript, txscript.SigHashAll, wif.PrivKey, wif.CompressPubKey)
		if err != nil {
			return nil, 0, fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sig
	}
	return tx, moved, nil
}
