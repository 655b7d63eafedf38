package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rawblock/btn-analyzer/pkg/models"
)

// CodecVersion is the envelope version written by Encode.
const CodecVersion = 1

// envelope wraps the snapshot JSON with a double-SHA256 digest so that a
// truncated or edited payload is detected on load.
type envelope struct {
	Version  int             `json:"version"`
	Snapshot json.RawMessage `json:"snapshot"`
	Digest   string          `json:"digest"`
}

// Encode serializes a snapshot into its stored payload.
func Encode(s models.Snapshot) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot %s: %w", s.ID, err)
	}
	return json.Marshal(envelope{
		Version:  CodecVersion,
		Snapshot: body,
		Digest:   chainhash.DoubleHashH(body).String(),
	})
}

// Decode parses and verifies a stored payload.
func Decode(payload []byte) (models.Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return models.Snapshot{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Version != CodecVersion {
		return models.Snapshot{}, fmt.Errorf("unsupported snapshot version %d", env.Version)
	}
	if len(env.Snapshot) == 0 {
		return models.Snapshot{}, fmt.Errorf("empty snapshot body")
	}
	if got := chainhash.DoubleHashH(env.Snapshot).String(); got != env.Digest {
		return models.Snapshot{}, fmt.Errorf("digest mismatch: stored %s, computed %s", env.Digest, got)
	}

	var s models.Snapshot
	if err := json.Unmarshal(env.Snapshot, &s); err != nil {
		return models.Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	if s.ID == "" {
		return models.Snapshot{}, fmt.Errorf("snapshot has no id")
	}
	return s, nil
}
