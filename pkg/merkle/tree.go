// Package merkle builds the Merkle tree over per-incident graph hashes
// that the replay controller compares. Leaves are keyed by incident id,
// so a divergence localizes to the incidents whose leaf hashes differ
// rather than forcing a whole-graph diff.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/crowsnest-security/crowsnest/pkg/canonicalize"
)

const (
	leafDomain = "crowsnest:graph:leaf:v1"
	nodeDomain = "crowsnest:graph:node:v1"
)

// Leaf is one incident's position in the graph tree.
type Leaf struct {
	Key      string
	LeafHash string
}

// Tree is a Merkle tree over canonical leaf values.
type Tree struct {
	Leaves []Leaf
	Root   string
}

// Build constructs the tree from key -> value. Keys are sorted before
// hashing; construction is a pure function of the map's contents.
func Build(data map[string]any) (*Tree, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([]Leaf, len(keys))
	for i, key := range keys {
		canonical, err := canonicalize.Marshal(data[key])
		if err != nil {
			return nil, err
		}
		leaves[i] = Leaf{Key: key, LeafHash: leafHash(key, canonical)}
	}

	if len(leaves) == 0 {
		// Empty graph gets a fixed sentinel root so "no incidents"
		// compares equal across replays.
		return &Tree{Root: sha256Hex([]byte(leafDomain))}, nil
	}

	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}

	return &Tree{Leaves: leaves, Root: level[0]}, nil
}

func leafHash(key string, canonical []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(key)
	buf.WriteByte(0)
	buf.Write(canonical)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}
	next := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		var buf bytes.Buffer
		buf.WriteString(nodeDomain)
		buf.WriteByte(0)
		buf.Write(hexToBytes(hashes[i]))
		buf.Write(hexToBytes(hashes[i+1]))
		next[i/2] = sha256Hex(buf.Bytes())
	}
	return next
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
