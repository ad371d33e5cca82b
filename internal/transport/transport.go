// Package transport holds the contracts the runtime consumes from external
// collaborators: ciphertext delivery, key provisioning and token emission.
// The wire framing behind them is not this repository's concern; the local
// implementations here back tests and single-host runs.
package transport

import "context"

// BlockFetcher delivers ciphertext block payloads on demand.
type BlockFetcher interface {
	FetchBlockBytes(ctx context.Context, index int) ([]byte, error)
}

// KeyProvider hands out per-block decryption keys. Returns
// errdefs.ErrPermissionDenied when execution is not licensed for a block.
type KeyProvider interface {
	BlockKey(ctx context.Context, index int, keyRef string) ([]byte, error)
}

// TokenSink receives emitted tokens. Per-session ordering is preserved by
// the caller; the sink must not reorder within a session.
type TokenSink interface {
	EmitToken(sessionID string, token int) error
}
