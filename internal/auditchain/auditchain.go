// Package auditchain provides the tamper-evident audit ledger.
//
// Decisions are recorded as an append-only hash chain: every record links
// to its predecessor through prev_hash, and the block hash commits to the
// timestamp and the canonicalized payload. Any later modification of a
// stored record breaks either the recomputed hash or the linkage, and
// VerifyIntegrity identifies the first broken height.
package auditchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aegisfin/aegis/internal/metrics"
	"github.com/aegisfin/aegis/internal/retry"
)

// GenesisHash is the prev_hash of the first record (64 zero characters).
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrConflict indicates the append lost a serialization race and may be retried.
	ErrConflict = errors.New("auditchain: append conflict")
)

// Record is a single block in the audit chain. Immutable once written.
type Record struct {
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"` // unix nanoseconds
	PrevHash  string `json:"prevHash"`
	DataHash  string `json:"dataHash"`
	BlockHash string `json:"blockHash"`
	Payload   string `json:"payload"` // canonical JSON, hashed verbatim
	NodeID    string `json:"nodeId"`
}

// Tip identifies the most recent record. An empty chain has the genesis tip.
type Tip struct {
	Height    int64  `json:"height"`
	BlockHash string `json:"blockHash"`
}

// GenesisTip is the tip of an empty chain.
func GenesisTip() Tip {
	return Tip{Height: 0, BlockHash: GenesisHash}
}

// Store is the narrow persistence capability the ledger needs. Append runs
// build inside a single transaction: the tip read and the insert must not
// interleave with another append, so two concurrent callers can never
// commit records at the same height.
type Store interface {
	Append(ctx context.Context, build func(tip Tip) (*Record, error)) (*Record, error)
	Tip(ctx context.Context) (Tip, error)
	FetchAll(ctx context.Context) ([]*Record, error)
}

// Ledger is the audit chain service.
type Ledger struct {
	store  Store
	nodeID string
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures the Ledger.
type Option func(*Ledger)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Ledger) { ld.logger = l }
}

// WithClock overrides the timestamp source (tests).
func WithClock(fn func() time.Time) Option {
	return func(ld *Ledger) { ld.clock = fn }
}

// New creates a ledger over the given store. nodeID is stamped on every record.
func New(store Store, nodeID string, opts ...Option) *Ledger {
	ld := &Ledger{
		store:  store,
		nodeID: nodeID,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// AppendEntry atomically appends a new record carrying payload and returns
// its block hash. The payload map is canonicalized (stable key order) before
// hashing so verification is reproducible. Serialization conflicts are
// retried; any other persistence failure rolls back without advancing the
// height and is returned to the caller.
func (l *Ledger) AppendEntry(ctx context.Context, payload map[string]any) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		metrics.AuditAppendsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	var rec *Record
	err = retry.Do(ctx, 5, 25*time.Millisecond, func() error {
		var appendErr error
		rec, appendErr = l.store.Append(ctx, func(tip Tip) (*Record, error) {
			ts := l.clock().UnixNano()
			return &Record{
				Height:    tip.Height + 1,
				Timestamp: ts,
				PrevHash:  tip.BlockHash,
				DataHash:  hashHex(canonical),
				BlockHash: ComputeBlockHash(tip.BlockHash, ts, string(canonical)),
				Payload:   string(canonical),
				NodeID:    l.nodeID,
			}, nil
		})
		if appendErr == nil {
			return nil
		}
		if errors.Is(appendErr, ErrConflict) {
			return appendErr
		}
		return retry.Permanent(appendErr)
	})
	if err != nil {
		metrics.AuditAppendsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	metrics.AuditAppendsTotal.WithLabelValues("ok").Inc()
	metrics.AuditChainHeight.Set(float64(rec.Height))
	l.logger.Info("audit block appended",
		"height", rec.Height,
		"block_hash", shortHash(rec.BlockHash),
		"node_id", rec.NodeID,
	)
	return rec.BlockHash, nil
}

// Tip returns the current chain tip, or the genesis tip for an empty chain.
func (l *Ledger) Tip(ctx context.Context) (Tip, error) {
	return l.store.Tip(ctx)
}

// Records returns the full chain ordered by height.
func (l *Ledger) Records(ctx context.Context) ([]*Record, error) {
	return l.store.FetchAll(ctx)
}

// VerifyIntegrity walks the chain from height 1, confirming prev-hash
// linkage and recomputing every block hash from stored fields. On a
// mismatch it returns ok=false and the first broken height. Verification
// reports; it never repairs.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (ok bool, brokenHeight int64, err error) {
	records, err := l.store.FetchAll(ctx)
	if err != nil {
		return false, 0, err
	}

	expectedPrev := GenesisHash
	expectedHeight := int64(1)
	for _, rec := range records {
		if rec.Height != expectedHeight {
			l.logger.Error("audit chain integrity broken: height gap",
				"expected", expectedHeight, "got", rec.Height)
			return false, rec.Height, nil
		}
		if rec.PrevHash != expectedPrev {
			l.logger.Error("audit chain integrity broken: prev hash mismatch",
				"height", rec.Height)
			return false, rec.Height, nil
		}
		if ComputeBlockHash(rec.PrevHash, rec.Timestamp, rec.Payload) != rec.BlockHash {
			l.logger.Error("audit chain integrity broken: content modified",
				"height", rec.Height)
			return false, rec.Height, nil
		}
		expectedPrev = rec.BlockHash
		expectedHeight++
	}

	l.logger.Info("audit chain verified", "blocks", len(records))
	return true, 0, nil
}

// ComputeBlockHash derives the chain hash for a record:
// sha256(prevHash | timestamp | payload) with "|" separators. The timestamp
// is formatted as its base-10 nanosecond value so recomputation from stored
// fields is exact.
func ComputeBlockHash(prevHash string, timestamp int64, payload string) string {
	raw := prevHash + "|" + strconv.FormatInt(timestamp, 10) + "|" + payload
	return hashHex([]byte(raw))
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
