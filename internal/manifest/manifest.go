// Package manifest describes the ordered sequence of encrypted weight blocks
// that make up one model. The manifest is immutable after load; block i
// strictly precedes block i+1 in the pipeline.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// BlockDesc describes one encrypted weight block.
type BlockDesc struct {
	Index  int    `json:"index"`
	Size   int64  `json:"size"`    // ciphertext bytes
	Hash   string `json:"hash"`    // sha256 of the ciphertext, hex
	Nonce  string `json:"nonce"`   // AEAD nonce, hex
	KeyRef string `json:"key_ref"` // opaque reference handed to the key provider
}

// Manifest is the ordered block list for one model.
type Manifest struct {
	Model  string      `json:"model"`
	Blocks []BlockDesc `json:"blocks"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.Model == "" {
		return fmt.Errorf("manifest missing model name")
	}
	if len(m.Blocks) == 0 {
		return fmt.Errorf("manifest has no blocks")
	}
	for i, b := range m.Blocks {
		if b.Index != i {
			return fmt.Errorf("block %d out of order (index %d)", i, b.Index)
		}
		if b.Size <= 0 {
			return fmt.Errorf("block %d has invalid size %d", i, b.Size)
		}
		h, err := hex.DecodeString(b.Hash)
		if err != nil || len(h) != 32 {
			return fmt.Errorf("block %d has invalid sha256 hash %q", i, b.Hash)
		}
		n, err := hex.DecodeString(b.Nonce)
		if err != nil || len(n) != chacha20poly1305.NonceSize {
			return fmt.Errorf("block %d has invalid nonce %q", i, b.Nonce)
		}
	}
	return nil
}

// NumBlocks returns the pipeline depth.
func (m *Manifest) NumBlocks() int {
	return len(m.Blocks)
}

// Block returns the descriptor at idx.
func (m *Manifest) Block(idx int) (BlockDesc, error) {
	if idx < 0 || idx >= len(m.Blocks) {
		return BlockDesc{}, fmt.Errorf("block index %d out of range [0,%d)", idx, len(m.Blocks))
	}
	return m.Blocks[idx], nil
}

// MaxBlockSize returns the largest ciphertext size, used for load cost seeds.
func (m *Manifest) MaxBlockSize() int64 {
	var max int64
	for _, b := range m.Blocks {
		if b.Size > max {
			max = b.Size
		}
	}
	return max
}

// Save writes the manifest as indented JSON. Used by the model generator.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
