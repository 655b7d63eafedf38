package heuristics

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/rawblock/btn-analyzer/internal/ledger"
	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Dust Analysis Module
//
// Dusting is a surveillance technique: an adversary fans out many tiny
// outputs so that later consolidation links the victims' addresses. An
// address that keeps spending into transactions made only of tiny outputs
// is the sender side of that pattern.
//
// When no explicit tiny-value threshold is configured, each output is judged
// against the relay dust limit of its own address type (Bitcoin Core policy):
//   P2PKH:   546 sats (34-byte output)
//   P2SH:    540 sats (32-byte output)
//   P2WPKH:  294 sats (31-byte output)
//   P2WSH:   330 sats (43-byte output)
//   P2TR:    330 sats (43-byte output)
//
// References:
//   - Möser & Narayanan, "Obfuscation in Bitcoin" (2017)

// Dust threshold per output type (in satoshis)
const (
	DustThresholdP2PKH   = 546
	DustThresholdP2SH    = 540
	DustThresholdP2WPKH  = 294
	DustThresholdP2WSH   = 330
	DustThresholdP2TR    = 330
	DustThresholdGeneric = 546 // Conservative default
)

// Address types as resolved against mainnet parameters.
const (
	AddressTypeP2PKH   = "p2pkh"
	AddressTypeP2SH    = "p2sh"
	AddressTypeP2WPKH  = "p2wpkh"
	AddressTypeP2WSH   = "p2wsh"
	AddressTypeP2TR    = "p2tr"
	AddressTypeUnknown = "unknown"
)

// AddressType decodes addr as a mainnet address. Anything that does not
// decode (synthetic labels in test datasets included) is unknown.
func AddressType(addr string) string {
	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams)
	if err != nil {
		return AddressTypeUnknown
	}
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		return AddressTypeP2PKH
	case *btcutil.AddressScriptHash:
		return AddressTypeP2SH
	case *btcutil.AddressWitnessPubKeyHash:
		return AddressTypeP2WPKH
	case *btcutil.AddressWitnessScriptHash:
		return AddressTypeP2WSH
	case *btcutil.AddressTaproot:
		return AddressTypeP2TR
	default:
		return AddressTypeUnknown
	}
}

// DustLimit returns the relay dust limit for an output paying addr.
func DustLimit(addr string) int64 {
	switch AddressType(addr) {
	case AddressTypeP2PKH:
		return DustThresholdP2PKH
	case AddressTypeP2SH:
		return DustThresholdP2SH
	case AddressTypeP2WPKH:
		return DustThresholdP2WPKH
	case AddressTypeP2WSH:
		return DustThresholdP2WSH
	case AddressTypeP2TR:
		return DustThresholdP2TR
	default:
		return DustThresholdGeneric
	}
}

// isTinyTransaction reports whether every output of tx is below the
// tiny-value threshold.
func isTinyTransaction(tx models.Transaction, dustValue int64) bool {
	if len(tx.Outputs) == 0 {
		return false
	}
	for _, out := range tx.Outputs {
		limit := dustValue
		if limit <= 0 {
			limit = DustLimit(out.Address)
		}
		if out.Value >= limit {
			return false
		}
	}
	return true
}

func (d *detection) checkDusting(e *ledger.Entry) {
	if len(e.OutTxs) <= d.cfg.DustTxCount {
		return
	}
	tiny := 0
	for _, txid := range e.OutTxs {
		tx, ok := d.ledger.Transaction(txid)
		if ok && isTinyTransaction(tx, d.cfg.DustValue) {
			tiny++
		}
	}
	if tiny <= d.cfg.DustTxCount {
		return
	}
	details := map[string]any{
		"tiny_tx_count": float64(tiny),
		"threshold":     float64(d.cfg.DustTxCount),
		"address_type":  AddressType(e.Address),
	}
	if d.cfg.DustValue > 0 {
		details["tiny_value"] = float64(d.cfg.DustValue)
	}
	d.emit(models.KindDusting, e.Address, SeverityDusting, "", details)
}
