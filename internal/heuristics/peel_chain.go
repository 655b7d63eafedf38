package heuristics

import (
	"github.com/rawblock/btn-analyzer/pkg/models"
)

// Peel Chain Detection Module
//
// Peel chains occur when a wallet makes serial payments:
//
//   Tx₁: [UTXO_A] → [Payment₁, Change₁]
//   Tx₂: [Change₁] → [Payment₂, Change₂]
//   Tx₃: [Change₂] → [Payment₃, Change₃]
//   ...
//
// Each step "peels" a small payment off a large balance and passes the
// change on, so the two outputs of a step are far apart in value.
//
// References:
//   - Meiklejohn et al., "A Fistful of Bitcoins" (IMC 2013)
//   - Ron & Shamir, "Quantitative Analysis of the Bitcoin Transaction Graph" (FC 2013)

// PeelChainCandidate captures the signals used to identify a peel chain step
type PeelChainCandidate struct {
	IsPeelStep   bool
	Ratio        float64 // max/min output value, 0 when min is zero
	ZeroOutput   bool    // the smaller output carries no value
	ChangeIndex  int     // larger output
	PaymentIndex int     // smaller output
}

// DetectPeelChainStep checks the canonical 1-in-2-out peel shape: exactly one
// input, exactly two outputs, and max/min above ratio. A zero-value smaller
// output next to a funded one counts as an unbounded ratio.
func DetectPeelChainStep(tx models.Transaction, ratio float64) PeelChainCandidate {
	result := PeelChainCandidate{ChangeIndex: -1, PaymentIndex: -1}
	if len(tx.Inputs) != 1 || len(tx.Outputs) != 2 {
		return result
	}

	small, large := 0, 1
	if tx.Outputs[0].Value > tx.Outputs[1].Value {
		small, large = 1, 0
	}
	minV, maxV := tx.Outputs[small].Value, tx.Outputs[large].Value
	if maxV == 0 {
		return result
	}
	result.PaymentIndex = small
	result.ChangeIndex = large

	if minV == 0 {
		result.ZeroOutput = true
		result.IsPeelStep = true
		return result
	}
	result.Ratio = float64(maxV) / float64(minV)
	result.IsPeelStep = result.Ratio > ratio
	return result
}

func (d *detection) checkPeelChain(tx models.Transaction) {
	step := DetectPeelChainStep(tx, d.cfg.PeelRatio)
	if !step.IsPeelStep {
		return
	}
	details := map[string]any{
		"threshold":     d.cfg.PeelRatio,
		"change_value":  float64(tx.Outputs[step.ChangeIndex].Value),
		"payment_value": float64(tx.Outputs[step.PaymentIndex].Value),
	}
	if step.ZeroOutput {
		details["zero_output"] = true
	} else {
		details["ratio"] = step.Ratio
	}
	d.emitTx(models.KindPeelChain, tx, SeverityPeelChain, details)
}
