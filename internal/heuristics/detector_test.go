package heuristics

import (
	"fmt"
	"testing"
	"time"

	"github.com/rawblock/btn-analyzer/internal/ledger"
	"github.com/rawblock/btn-analyzer/pkg/models"
)

var runTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func timedTx(id string, ts int64, ins []models.TxIn, outs []models.TxOut) models.Transaction {
	return models.Transaction{Txid: id, Inputs: ins, Outputs: outs, Timestamp: models.UnixTime(ts)}
}

func detect(txs []models.Transaction) []models.PatternMatch {
	return Detect(ledger.Replay(txs), DefaultThresholds(), runTime)
}

func matchesOf(matches []models.PatternMatch, kind models.PatternKind) []models.PatternMatch {
	var out []models.PatternMatch
	for _, m := range matches {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func TestDetect_NegativeBalance(t *testing.T) {
	// A spends 10 it never received in this dataset
	matches := detect([]models.Transaction{
		timedTx("t1", 100, []models.TxIn{{Address: "A", Value: 10}}, []models.TxOut{{Address: "B", Value: 10}}),
	})

	neg := matchesOf(matches, models.KindNegativeBalance)
	if len(neg) != 1 {
		t.Fatalf("Expected exactly 1 negative-balance match, got %d", len(neg))
	}
	if neg[0].Address != "A" || neg[0].Severity != 80 {
		t.Errorf("Expected A with severity 80, got %s/%v", neg[0].Address, neg[0].Severity)
	}
	if neg[0].Details["balance"] != float64(-10) {
		t.Errorf("Expected balance detail -10, got %v", neg[0].Details["balance"])
	}
	if !neg[0].Timestamp.Equal(runTime) {
		t.Errorf("Expected match stamped with run time, got %v", neg[0].Timestamp)
	}
}

func TestDetect_NegativeBalanceOncePerAddress(t *testing.T) {
	var txs []models.Transaction
	for i := 0; i < 5; i++ {
		txs = append(txs, timedTx(fmt.Sprintf("t%d", i), int64(i*1000),
			[]models.TxIn{{Address: "A", Value: 10}},
			[]models.TxOut{{Address: "B", Value: 10}}))
	}
	neg := matchesOf(detect(txs), models.KindNegativeBalance)
	if len(neg) != 1 {
		t.Errorf("Expected one negative-balance match for A across 5 debits, got %d", len(neg))
	}
}

func TestDetect_Hoarding(t *testing.T) {
	// C receives 50 at time 0 and never sends; median input sum is 5
	txs := []models.Transaction{
		timedTx("c0", 0, []models.TxIn{{Address: "S", Value: 50}}, []models.TxOut{{Address: "C", Value: 50}}),
	}
	for i := 1; i <= 4; i++ {
		txs = append(txs, timedTx(fmt.Sprintf("x%d", i), int64(i*100000),
			[]models.TxIn{{Address: "X", Value: 5}},
			[]models.TxOut{{Address: "Y", Value: 5}}))
	}

	hoard := matchesOf(detect(txs), models.KindHoarding)
	if len(hoard) != 1 {
		t.Fatalf("Expected 1 hoarding match, got %d: %+v", len(hoard), hoard)
	}
	if hoard[0].Address != "C" || hoard[0].Severity != 50 {
		t.Errorf("Expected C with severity 50, got %s/%v", hoard[0].Address, hoard[0].Severity)
	}
	if hoard[0].Details["median_tx_value"] != float64(5) {
		t.Errorf("Expected median 5 in details, got %v", hoard[0].Details["median_tx_value"])
	}
}

func TestDetect_HighVolume(t *testing.T) {
	outs := make([]models.TxOut, 21)
	for i := range outs {
		outs[i] = models.TxOut{Address: "H", Value: 1000}
	}
	matches := detect([]models.Transaction{
		timedTx("fan", 0, []models.TxIn{{Address: "F", Value: 21000}}, outs),
	})

	hv := matchesOf(matches, models.KindHighVolume)
	if len(hv) != 1 || hv[0].Address != "H" {
		t.Fatalf("Expected 1 high-volume match for H, got %+v", hv)
	}
	if hv[0].Severity != 2.1 {
		t.Errorf("Expected severity (21+0)/10 = 2.1, got %v", hv[0].Severity)
	}
}

func TestDetect_HighVolumeCapped(t *testing.T) {
	var txs []models.Transaction
	for i := 0; i < 700; i++ {
		txs = append(txs, timedTx(fmt.Sprintf("t%d", i), int64(i*86400*30),
			[]models.TxIn{{Address: fmt.Sprintf("S%d", i), Value: 1000}},
			[]models.TxOut{{Address: "H", Value: 1000}}))
	}
	hv := matchesOf(detect(txs), models.KindHighVolume)
	if len(hv) != 1 || hv[0].Severity != SeverityHighVolumeCap {
		t.Errorf("Expected a single capped high-volume match, got %+v", hv)
	}
}

func TestDetect_ShortLivedHighActivity(t *testing.T) {
	var txs []models.Transaction
	for i := 0; i < 11; i++ {
		txs = append(txs, timedTx(fmt.Sprintf("t%d", i), int64(i*300),
			[]models.TxIn{{Address: "M", Value: 100000}},
			[]models.TxOut{{Address: fmt.Sprintf("O%d", i), Value: 99000}}))
	}

	sl := matchesOf(detect(txs), models.KindShortLived)
	if len(sl) != 1 || sl[0].Address != "M" || sl[0].Severity != 70 {
		t.Errorf("Expected short-lived match for M with severity 70, got %+v", sl)
	}
}

func TestDetect_ShortLivedNeedsTimestamps(t *testing.T) {
	var txs []models.Transaction
	for i := 0; i < 11; i++ {
		txs = append(txs, models.Transaction{
			Txid:    fmt.Sprintf("t%d", i),
			Inputs:  []models.TxIn{{Address: "M", Value: 1000}},
			Outputs: []models.TxOut{{Address: fmt.Sprintf("O%d", i), Value: 900}},
		})
	}
	if sl := matchesOf(detect(txs), models.KindShortLived); len(sl) != 0 {
		t.Errorf("Expected untimed address to be skipped, got %+v", sl)
	}
}

func TestDetect_Periodic(t *testing.T) {
	tests := []struct {
		name  string
		times []int64
		want  int
	}{
		{"Regular hourly", []int64{0, 3600, 7200, 10800}, 1},
		{"Irregular", []int64{0, 100, 7200, 50000}, 0},
		{"Too few gaps", []int64{0, 3600, 7200}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var txs []models.Transaction
			for i, ts := range tt.times {
				txs = append(txs, timedTx(fmt.Sprintf("t%d", i), ts,
					[]models.TxIn{{Address: fmt.Sprintf("S%d", i), Value: 1000}},
					[]models.TxOut{{Address: "P", Value: 1000}}))
			}
			got := matchesOf(detect(txs), models.KindPeriodic)
			if len(got) != tt.want {
				t.Errorf("Expected %d periodic matches, got %d", tt.want, len(got))
			}
		})
	}
}

func TestDetect_CoinJoin(t *testing.T) {
	matches := detect([]models.Transaction{
		timedTx("cj", 500,
			[]models.TxIn{{Address: "A", Value: 150}, {Address: "B", Value: 120}, {Address: "A", Value: 10}},
			[]models.TxOut{{Address: "X", Value: 100}, {Address: "Y", Value: 100}, {Address: "Z", Value: 70}}),
	})

	cj := matchesOf(matches, models.KindCoinJoin)
	if len(cj) != 2 {
		t.Fatalf("Expected one coinjoin match per distinct input address, got %d", len(cj))
	}
	for _, m := range cj {
		if m.Txid != "cj" || m.Severity != 60 {
			t.Errorf("Unexpected coinjoin match: %+v", m)
		}
		if m.Details["equal_value"] != float64(100) || m.Details["tx_time"] != float64(500) {
			t.Errorf("Unexpected coinjoin details: %+v", m.Details)
		}
	}
}

func TestDetect_CoinJoinSingleOwner(t *testing.T) {
	matches := detect([]models.Transaction{
		timedTx("self", 0,
			[]models.TxIn{{Address: "A", Value: 150}, {Address: "A", Value: 50}},
			[]models.TxOut{{Address: "X", Value: 100}, {Address: "Y", Value: 100}}),
	})
	if cj := matchesOf(matches, models.KindCoinJoin); len(cj) != 0 {
		t.Errorf("Expected no coinjoin with a single input owner, got %+v", cj)
	}
}

func TestDetectPeelChainStep(t *testing.T) {
	tests := []struct {
		name    string
		inputs  int
		outputs []int64
		want    bool
	}{
		{"Canonical peel", 1, []int64{900000, 100000}, true},
		{"Balanced split", 1, []int64{500000, 400000}, false},
		{"Exactly at ratio", 1, []int64{500000, 100000}, false},
		{"Zero-value output", 1, []int64{900000, 0}, true},
		{"Two inputs", 2, []int64{900000, 100000}, false},
		{"Three outputs", 1, []int64{900000, 50000, 50000}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := models.Transaction{Txid: "p"}
			for i := 0; i < tt.inputs; i++ {
				tx.Inputs = append(tx.Inputs, models.TxIn{Address: fmt.Sprintf("I%d", i), Value: 1000000})
			}
			for i, v := range tt.outputs {
				tx.Outputs = append(tx.Outputs, models.TxOut{Address: fmt.Sprintf("O%d", i), Value: v})
			}
			if got := DetectPeelChainStep(tx, 5).IsPeelStep; got != tt.want {
				t.Errorf("IsPeelStep = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetect_PeelChainMatch(t *testing.T) {
	matches := detect([]models.Transaction{
		timedTx("peel", 10, []models.TxIn{{Address: "A", Value: 1000000}},
			[]models.TxOut{{Address: "PAY", Value: 100000}, {Address: "CHG", Value: 890000}}),
	})
	peel := matchesOf(matches, models.KindPeelChain)
	if len(peel) != 1 || peel[0].Address != "A" || peel[0].Txid != "peel" || peel[0].Severity != 45 {
		t.Fatalf("Expected peel-chain match for A, got %+v", peel)
	}
	if peel[0].Details["ratio"] != 8.9 {
		t.Errorf("Expected ratio 8.9, got %v", peel[0].Details["ratio"])
	}
}

func TestDetect_Epsilon(t *testing.T) {
	tests := []struct {
		name    string
		outputs []int64
		want    int
	}{
		{"Near-equal outputs", []int64{5000000, 5000050}, 1},
		{"Identical outputs", []int64{5000000, 5000000}, 0},
		{"Far apart", []int64{5000000, 9000000}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := timedTx("e", 0, []models.TxIn{{Address: "A", Value: 20000000}}, nil)
			for i, v := range tt.outputs {
				tx.Outputs = append(tx.Outputs, models.TxOut{Address: fmt.Sprintf("O%d", i), Value: v})
			}
			got := matchesOf(detect([]models.Transaction{tx}), models.KindEpsilon)
			if len(got) != tt.want {
				t.Errorf("Expected %d epsilon matches, got %d", tt.want, len(got))
			}
		})
	}
}

func dustTxs(n int, value int64) []models.Transaction {
	var txs []models.Transaction
	for i := 0; i < n; i++ {
		txs = append(txs, timedTx(fmt.Sprintf("d%d", i), int64(i*86400),
			[]models.TxIn{{Address: "D", Value: value + 10}},
			[]models.TxOut{{Address: fmt.Sprintf("V%d", i), Value: value}}))
	}
	return txs
}

func TestDetect_Dusting(t *testing.T) {
	dust := matchesOf(detect(dustTxs(11, 500)), models.KindDusting)
	if len(dust) != 1 || dust[0].Address != "D" || dust[0].Severity != 55 {
		t.Fatalf("Expected dusting match for D, got %+v", dust)
	}
	if dust[0].Details["tiny_tx_count"] != float64(11) {
		t.Errorf("Expected 11 tiny transactions, got %v", dust[0].Details["tiny_tx_count"])
	}

	if dust := matchesOf(detect(dustTxs(10, 500)), models.KindDusting); len(dust) != 0 {
		t.Errorf("Expected no dusting at exactly 10 transactions, got %+v", dust)
	}
	if dust := matchesOf(detect(dustTxs(11, 50000)), models.KindDusting); len(dust) != 0 {
		t.Errorf("Expected no dusting above the tiny-value threshold, got %+v", dust)
	}
}

func TestDetect_DustingAddressTypeLimit(t *testing.T) {
	cfg := DefaultThresholds()
	cfg.DustValue = 0

	// 500 sats is under the generic 546 limit for unknown address types
	matches := Detect(ledger.Replay(dustTxs(11, 500)), cfg, runTime)
	if dust := matchesOf(matches, models.KindDusting); len(dust) != 1 {
		t.Errorf("Expected dusting under the generic dust limit, got %+v", dust)
	}

	matches = Detect(ledger.Replay(dustTxs(11, 600)), cfg, runTime)
	if dust := matchesOf(matches, models.KindDusting); len(dust) != 0 {
		t.Errorf("Expected no dusting above the generic dust limit, got %+v", dust)
	}
}

func TestAddressType(t *testing.T) {
	tests := []struct {
		addr  string
		want  string
		limit int64
	}{
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", AddressTypeP2PKH, DustThresholdP2PKH},
		{"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", AddressTypeP2SH, DustThresholdP2SH},
		{"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", AddressTypeP2WPKH, DustThresholdP2WPKH},
		{"bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3", AddressTypeP2WSH, DustThresholdP2WSH},
		{"not-an-address", AddressTypeUnknown, DustThresholdGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := AddressType(tt.addr); got != tt.want {
				t.Errorf("AddressType(%s) = %s, want %s", tt.addr, got, tt.want)
			}
			if got := DustLimit(tt.addr); got != tt.limit {
				t.Errorf("DustLimit(%s) = %d, want %d", tt.addr, got, tt.limit)
			}
		})
	}
}

func TestDetect_HighCentrality(t *testing.T) {
	// A -> t1 -> B -> t2 -> C: B relays every path from A's side to C
	matches := detect([]models.Transaction{
		timedTx("t1", 0, []models.TxIn{{Address: "A", Value: 1000}}, []models.TxOut{{Address: "B", Value: 1000}}),
		timedTx("t2", 60, []models.TxIn{{Address: "B", Value: 1000}}, []models.TxOut{{Address: "C", Value: 1000}}),
	})

	hc := matchesOf(matches, models.KindHighCentrality)
	if len(hc) != 1 || hc[0].Address != "B" {
		t.Fatalf("Expected high-centrality match for B, got %+v", hc)
	}
	if hc[0].Severity < 40 || hc[0].Severity > 100 {
		t.Errorf("Expected severity within [40,100], got %v", hc[0].Severity)
	}
}

func TestComputeCentrality_Chain(t *testing.T) {
	l := ledger.Replay([]models.Transaction{
		timedTx("t1", 0, []models.TxIn{{Address: "A", Value: 1}}, []models.TxOut{{Address: "B", Value: 1}}),
		timedTx("t2", 1, []models.TxIn{{Address: "B", Value: 1}}, []models.TxOut{{Address: "C", Value: 1}}),
	})
	bc := ComputeCentrality(l, 0)

	// 5 nodes; B lies on A->t2, A->C, t1->t2, t1->C: 4 / (4*3)
	want := 4.0 / 12.0
	if diff := bc["B"] - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected B betweenness %.4f, got %.4f", want, bc["B"])
	}
	if bc["A"] != 0 || bc["C"] != 0 {
		t.Errorf("Expected endpoints to have zero betweenness, got A=%v C=%v", bc["A"], bc["C"])
	}
}

func TestDetect_Dormancy(t *testing.T) {
	matches := detect([]models.Transaction{
		timedTx("t1", 0, []models.TxIn{{Address: "S", Value: 1000}}, []models.TxOut{{Address: "Z", Value: 1000}}),
		timedTx("t2", 8*86400, []models.TxIn{{Address: "Z", Value: 1000}}, []models.TxOut{{Address: "S", Value: 1000}}),
	})
	dorm := matchesOf(matches, models.KindDormancy)
	if len(dorm) != 2 {
		t.Fatalf("Expected dormancy for both S and Z, got %+v", dorm)
	}
	if dorm[0].Details["gap_days"] != float64(8) {
		t.Errorf("Expected 8-day gap, got %v", dorm[0].Details["gap_days"])
	}

	cfg := DefaultThresholds()
	cfg.Extended = false
	l := ledger.Replay([]models.Transaction{
		timedTx("t1", 0, []models.TxIn{{Address: "S", Value: 1000}}, []models.TxOut{{Address: "Z", Value: 1000}}),
		timedTx("t2", 8*86400, []models.TxIn{{Address: "Z", Value: 1000}}, []models.TxOut{{Address: "S", Value: 1000}}),
	})
	if dorm := matchesOf(Detect(l, cfg, runTime), models.KindDormancy); len(dorm) != 0 {
		t.Errorf("Expected extended rules to be disabled, got %+v", dorm)
	}
}

func spendsAt(times []int64) []models.Transaction {
	txs := make([]models.Transaction, 0, len(times))
	for i, ts := range times {
		txs = append(txs, timedTx(fmt.Sprintf("sp%d", i), ts,
			[]models.TxIn{{Address: "S", Value: 1000}},
			[]models.TxOut{{Address: fmt.Sprintf("R%d", i), Value: 1000}}))
	}
	return txs
}

func TestDetect_ActivitySpike(t *testing.T) {
	day := int64(86400)

	// Six spends, three of them within twenty minutes on day 3.
	burst := spendsAt([]int64{0, day, 3 * day, 3*day + 600, 3*day + 1200, 6 * day})
	spikes := matchesOf(detect(burst), models.KindActivitySpike)
	if len(spikes) != 1 || spikes[0].Address != "S" {
		t.Fatalf("Expected one activity-spike for S, got %+v", spikes)
	}
	if spikes[0].Details["span_seconds"] != float64(1200) {
		t.Errorf("Expected a 1200s span, got %v", spikes[0].Details["span_seconds"])
	}
	if spikes[0].Details["start_time"] != float64(3*day) {
		t.Errorf("Expected the spike to start on day 3, got %v", spikes[0].Details["start_time"])
	}

	spread := spendsAt([]int64{0, day, 2 * day, 3 * day, 4 * day, 5 * day})
	if spikes := matchesOf(detect(spread), models.KindActivitySpike); len(spikes) != 0 {
		t.Errorf("Expected no spike for daily spends, got %+v", spikes)
	}

	// Three of five inside the window is not enough activity overall.
	few := spendsAt([]int64{0, 600, 1200, day, 2 * day})
	if spikes := matchesOf(detect(few), models.KindActivitySpike); len(spikes) != 0 {
		t.Errorf("Expected no spike at five transactions, got %+v", spikes)
	}

	var untimed []models.Transaction
	for i := 0; i < 8; i++ {
		untimed = append(untimed, models.Transaction{
			Txid:    fmt.Sprintf("u%d", i),
			Inputs:  []models.TxIn{{Address: "S", Value: 1000}},
			Outputs: []models.TxOut{{Address: fmt.Sprintf("R%d", i), Value: 1000}},
		})
	}
	if spikes := matchesOf(detect(untimed), models.KindActivitySpike); len(spikes) != 0 {
		t.Errorf("Expected no spike without timestamps, got %+v", spikes)
	}
}

func TestDetect_LargeWithdrawal(t *testing.T) {
	var txs []models.Transaction
	for i := 0; i < 9; i++ {
		txs = append(txs, timedTx(fmt.Sprintf("s%d", i), int64(i*86400*10),
			[]models.TxIn{{Address: fmt.Sprintf("S%d", i), Value: 1000}},
			[]models.TxOut{{Address: fmt.Sprintf("R%d", i), Value: 1000}}))
	}
	txs = append(txs, timedTx("big", 100*86400,
		[]models.TxIn{{Address: "W", Value: 1000000}},
		[]models.TxOut{{Address: "R", Value: 1000000}}))

	lw := matchesOf(detect(txs), models.KindLargeWithdrawal)
	if len(lw) != 1 || lw[0].Address != "W" || lw[0].Txid != "big" {
		t.Errorf("Expected large-withdrawal for W on tx big, got %+v", lw)
	}
}

func TestDetect_SeveritiesBounded(t *testing.T) {
	txs := dustTxs(12, 100)
	txs = append(txs, timedTx("cj", 5, []models.TxIn{{Address: "A", Value: 10}, {Address: "B", Value: 10}},
		[]models.TxOut{{Address: "X", Value: 10}, {Address: "Y", Value: 10}}))
	for _, m := range detect(txs) {
		if m.Severity < 0 || m.Severity > 100 {
			t.Errorf("Severity out of range for %s/%s: %v", m.Kind, m.Address, m.Severity)
		}
	}
}
