// Package notary anchors decision-log integrity hashes outside the vault.
//
// Decisions are queued without blocking the vault, grouped into batches,
// committed to with a Merkle root, sealed with a key derived from the
// operator's seed and handed to one or more sinks (a Neo RPC relayer, an S3
// compatible archive). Each sink returns a reference that is attached back to
// every decision in the batch.
package notary

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"golang.org/x/crypto/hkdf"
)

var hkdfSalt = []byte("vault-notary")

// Entry is one decision to notarize.
type Entry struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Batch is a sealed group of entries.
type Batch struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Entries    []Entry   `json:"entries"`
	Root       string    `json:"root"`
	KeyVersion string    `json:"key_version"`
	Seal       string    `json:"seal"`
}

// First returns the lowest sequence id in the batch.
func (b Batch) First() uint64 { return b.Entries[0].Seq }

// Last returns the highest sequence id in the batch.
func (b Batch) Last() uint64 { return b.Entries[len(b.Entries)-1].Seq }

// DeriveSealKey derives the batch sealing key for keyVersion from seed.
func DeriveSealKey(seed []byte, keyVersion string) ([]byte, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("seal seed is required")
	}
	keyVersion = strings.TrimSpace(keyVersion)
	if keyVersion == "" {
		return nil, fmt.Errorf("keyVersion is required")
	}

	reader := hkdf.New(sha256.New, seed, hkdfSalt, []byte("vault-notary-seal-"+keyVersion))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// MerkleRoot returns the Merkle root over the entries' hashes, in order.
func MerkleRoot(entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("empty batch")
	}
	leaves := make([]util.Uint256, len(entries))
	for i, e := range entries {
		h, err := util.Uint256DecodeStringBE(e.Hash)
		if err != nil {
			return "", fmt.Errorf("decision %d: invalid hash: %w", e.Seq, err)
		}
		leaves[i] = h
	}
	return hash.CalcMerkleRoot(leaves).StringBE(), nil
}

func seal(key []byte, batchID, root string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(root))
	mac.Write([]byte(batchID))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewBatch computes the root and seal for entries.
func NewBatch(id string, createdAt time.Time, entries []Entry, key []byte, keyVersion string) (Batch, error) {
	root, err := MerkleRoot(entries)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		ID:         id,
		CreatedAt:  createdAt.UTC(),
		Entries:    append([]Entry(nil), entries...),
		Root:       root,
		KeyVersion: keyVersion,
		Seal:       seal(key, id, root),
	}, nil
}

// Verify recomputes the root and checks the seal with key.
func (b Batch) Verify(key []byte) bool {
	root, err := MerkleRoot(b.Entries)
	if err != nil || root != b.Root {
		return false
	}
	expected, err := hex.DecodeString(seal(key, b.ID, root))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(b.Seal)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
