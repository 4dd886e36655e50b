package protocol

import (
	"crypto/sha256"
	"encoding/hex"
)

// All hashes in the pipeline are unkeyed SHA-256 rendered as lowercase
// hex. No domain separation: the on-chain roots and stored proofs were
// produced this way and the verifier replays them as hex text.

func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RawDataHash commits to the canonical payload image alone.
func RawDataHash(e ChangeEvent) string {
	return SHA256Hex(CanonicalPayload(e))
}

// LeafHash commits to the full transaction: payload plus operation,
// timestamp, table, and position context.
func LeafHash(txID string, e ChangeEvent) string {
	return SHA256Hex(CanonicalTransaction(txID, e))
}
