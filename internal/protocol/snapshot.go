package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// SnapshotID computes the stable content hash of a snapshot payload.
// Equal payloads always produce equal ids (encoding/json emits struct
// fields in declaration order), which is what makes the agent manager's
// dedupe sound.
func SnapshotID(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hash snapshot payload: %w", err)
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
