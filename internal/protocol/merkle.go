package protocol

import (
	"errors"
	"fmt"
)

// The tree pairs sibling hashes by concatenating their lowercase hex
// text and hashing the concatenation. This matches the stored
// artifacts and the deployed verifier, and must not change.

type ProofEntry struct {
	LeafIndex        int      `json:"leaf_index"`
	ProofPath        []string `json:"proof_path"`
	SiblingPositions []string `json:"sibling_positions"`
}

type MerkleTree struct {
	Algorithm  string                `json:"algorithm"`
	Root       string                `json:"root"`
	Height     int                   `json:"height"`
	LeafCount  int                   `json:"leaf_count"`
	Nodes      [][]string            `json:"nodes"`
	ProofIndex map[string]ProofEntry `json:"proof_index"`
}

// ProofKey names a leaf's entry in the proof index.
func ProofKey(leafIndex int) string {
	return fmt.Sprintf("tx-%d", leafIndex)
}

// BuildMerkleTree builds the full tree over an ordered list of leaf
// hashes. A level with odd length duplicates its last element before
// pairing; the duplicate participates in hashing and in sibling
// selection but is not recorded as a node.
func BuildMerkleTree(leaves []string) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("merkle tree requires at least one leaf")
	}

	levels := [][]string{append([]string(nil), leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		cur := extendOdd(levels[len(levels)-1])
		next := make([]string, 0, len(cur)/2)
		for i := 0; i < len(cur); i += 2 {
			next = append(next, SHA256Hex([]byte(cur[i]+cur[i+1])))
		}
		levels = append(levels, next)
	}

	tree := &MerkleTree{
		Algorithm:  "sha256",
		Root:       levels[len(levels)-1][0],
		Height:     len(levels) - 1,
		LeafCount:  len(leaves),
		Nodes:      levels,
		ProofIndex: make(map[string]ProofEntry, len(leaves)),
	}

	for leaf := range leaves {
		path := make([]string, 0, tree.Height)
		positions := make([]string, 0, tree.Height)
		idx := leaf
		for lvl := 0; lvl < tree.Height; lvl++ {
			cur := extendOdd(levels[lvl])
			sibling := idx ^ 1
			if idx%2 == 0 {
				positions = append(positions, "right")
			} else {
				positions = append(positions, "left")
			}
			path = append(path, cur[sibling])
			idx /= 2
		}
		tree.ProofIndex[ProofKey(leaf)] = ProofEntry{
			LeafIndex:        leaf,
			ProofPath:        path,
			SiblingPositions: positions,
		}
	}
	return tree, nil
}

// VerifyProof replays a proof path against a leaf hash: at each step
// the sibling is concatenated on its recorded side and the pair is
// hashed. The result must equal the root.
func VerifyProof(leafHash string, entry ProofEntry, root string) bool {
	if len(entry.ProofPath) != len(entry.SiblingPositions) {
		return false
	}
	cur := leafHash
	for i, sibling := range entry.ProofPath {
		switch entry.SiblingPositions[i] {
		case "left":
			cur = SHA256Hex([]byte(sibling + cur))
		case "right":
			cur = SHA256Hex([]byte(cur + sibling))
		default:
			return false
		}
	}
	return cur == root
}

func extendOdd(level []string) []string {
	if len(level) > 1 && len(level)%2 == 1 {
		return append(append([]string(nil), level...), level[len(level)-1])
	}
	return level
}
