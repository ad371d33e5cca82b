package transport

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/arbalest-ml/arbalest/internal/errdefs"
	"github.com/arbalest-ml/arbalest/internal/manifest"
)

// DirFetcher reads ciphertext blocks from a directory, one file per block.
type DirFetcher struct {
	dir string
}

func NewDirFetcher(dir string) *DirFetcher {
	return &DirFetcher{dir: dir}
}

// BlockFileName returns the on-disk name for a block index.
func BlockFileName(index int) string {
	return fmt.Sprintf("block-%04d.bin", index)
}

func (f *DirFetcher) FetchBlockBytes(ctx context.Context, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.dir, BlockFileName(index)))
	if err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", index, err)
	}
	return data, nil
}

// StaticKeyProvider serves one model key from memory. Individual blocks can
// be marked denied, which is how license revocation surfaces to the runtime.
type StaticKeyProvider struct {
	mu     sync.RWMutex
	key    []byte
	denied map[int]bool
}

func NewStaticKeyProvider(key []byte) *StaticKeyProvider {
	return &StaticKeyProvider{key: key, denied: make(map[int]bool)}
}

func (p *StaticKeyProvider) BlockKey(ctx context.Context, index int, keyRef string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.denied[index] {
		return nil, fmt.Errorf("block %d: %w", index, errdefs.ErrPermissionDenied)
	}
	out := make([]byte, len(p.key))
	copy(out, p.key)
	return out, nil
}

// Deny marks a block as unlicensed.
func (p *StaticKeyProvider) Deny(index int) {
	p.mu.Lock()
	p.denied[index] = true
	p.mu.Unlock()
}

// CollectorSink accumulates emitted tokens per session. Used by tests and
// the CLI's one-shot mode.
type CollectorSink struct {
	mu     sync.Mutex
	tokens map[string][]int
}

func NewCollectorSink() *CollectorSink {
	return &CollectorSink{tokens: make(map[string][]int)}
}

func (s *CollectorSink) EmitToken(sessionID string, token int) error {
	s.mu.Lock()
	s.tokens[sessionID] = append(s.tokens[sessionID], token)
	s.mu.Unlock()
	return nil
}

// Tokens returns a copy of the tokens emitted for a session so far.
func (s *CollectorSink) Tokens(sessionID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.tokens[sessionID]))
	copy(out, s.tokens[sessionID])
	return out
}

// GenerateModel synthesizes an encrypted model: nBlocks random plaintext
// payloads of blockSize bytes, each sealed with its own nonce, hashed, and
// described in a manifest written to manifestPath. Returns the model key.
func GenerateModel(dir, manifestPath, model string, nBlocks int, blockSize int) ([]byte, error) {
	if nBlocks <= 0 || blockSize <= 0 {
		return nil, fmt.Errorf("invalid model shape: %d blocks of %d bytes", nBlocks, blockSize)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	m := &manifest.Manifest{Model: model}
	for i := 0; i < nBlocks; i++ {
		plain := make([]byte, blockSize)
		if _, err := rand.Read(plain); err != nil {
			return nil, err
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		cipher := aead.Seal(nil, nonce, plain, nil)
		sum := sha256.Sum256(cipher)

		if err := os.WriteFile(filepath.Join(dir, BlockFileName(i)), cipher, 0o644); err != nil {
			return nil, err
		}
		m.Blocks = append(m.Blocks, manifest.BlockDesc{
			Index:  i,
			Size:   int64(len(cipher)),
			Hash:   hex.EncodeToString(sum[:]),
			Nonce:  hex.EncodeToString(nonce),
			KeyRef: model,
		})
	}
	if err := m.Save(manifestPath); err != nil {
		return nil, err
	}
	return key, nil
}
