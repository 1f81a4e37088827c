package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

// payloadByteBudget caps stored decision payloads. Oversized payloads are
// truncated before hashing so the chain verifies over what was stored.
const payloadByteBudget = 64 * 1024

// Ledger is the hash-chained record of agent decisions correlated to
// jobs. Each event hash covers (prev_hash, seq, payload_hash), so any
// after-the-fact edit breaks verification from that point forward.
type Ledger struct {
	db   *gorm.DB
	repo repos.DecisionRepo
	log  *logger.Logger
}

func NewLedger(db *gorm.DB, repo repos.DecisionRepo, baseLog *logger.Logger) *Ledger {
	return &Ledger{
		db:   db,
		repo: repo,
		log:  baseLog.With("component", "DecisionLedger"),
	}
}

func (l *Ledger) StartRun(ctx context.Context, jobID *uuid.UUID, label string) (*types.DecisionRun, error) {
	return l.repo.CreateRun(ctx, l.db, &types.DecisionRun{JobID: jobID, Label: label})
}

func (l *Ledger) Append(ctx context.Context, runID uuid.UUID, kind string, payload any) (*types.DecisionEvent, error) {
	canonical, truncated, err := canonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize decision payload: %w", err)
	}
	payloadHash := hashHex(canonical)

	last, err := l.repo.LastEvent(ctx, l.db, runID)
	if err != nil {
		return nil, err
	}
	seq := 1
	prevHash := ""
	if last != nil {
		seq = last.Seq + 1
		prevHash = last.EventHash
	}

	event := &types.DecisionEvent{
		RunID:         runID,
		Seq:           seq,
		Kind:          kind,
		Payload:       datatypes.JSON(canonical),
		Truncated:     truncated,
		PayloadHash:   payloadHash,
		PrevEventHash: prevHash,
		EventHash:     ChainHash(prevHash, seq, payloadHash),
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.repo.AppendEvent(ctx, l.db, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Verify walks a run's chain and reports the first broken link, if any.
func (l *Ledger) Verify(ctx context.Context, runID uuid.UUID) error {
	events, err := l.repo.ListEvents(ctx, l.db, runID)
	if err != nil {
		return err
	}
	prevHash := ""
	for i, ev := range events {
		if ev.Seq != i+1 {
			return fmt.Errorf("decision chain gap at seq %d (found %d)", i+1, ev.Seq)
		}
		if ev.PrevEventHash != prevHash {
			return fmt.Errorf("decision chain broken at seq %d: prev hash mismatch", ev.Seq)
		}
		if ev.EventHash != ChainHash(prevHash, ev.Seq, ev.PayloadHash) {
			return fmt.Errorf("decision chain broken at seq %d: event hash mismatch", ev.Seq)
		}
		prevHash = ev.EventHash
	}
	return nil
}

// Prune enforces time-bounded retention.
func (l *Ledger) Prune(ctx context.Context, retain time.Duration) {
	cutoff := time.Now().UTC().Add(-retain)
	n, err := l.repo.PruneOlderThan(ctx, l.db, cutoff)
	if err != nil {
		l.log.Warn("Decision ledger prune failed", "error", err)
		return
	}
	if n > 0 {
		l.log.Info("Decision ledger pruned", "events_removed", n, "cutoff", cutoff)
	}
}

func ChainHash(prevHash string, seq int, payloadHash string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{0x1f})
	fmt.Fprintf(h, "%d", seq)
	h.Write([]byte{0x1f})
	h.Write([]byte(payloadHash))
	return hex.EncodeToString(h.Sum(nil))
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders payload with sorted object keys so equal payloads
// hash equally regardless of construction order.
func canonicalJSON(payload any) ([]byte, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false, err
	}
	canonical, err := marshalCanonical(generic)
	if err != nil {
		return nil, false, err
	}
	if len(canonical) > payloadByteBudget {
		truncated := map[string]any{
			"truncated":      true,
			"original_bytes": len(canonical),
		}
		canonical, err = marshalCanonical(truncated)
		if err != nil {
			return nil, false, err
		}
		return canonical, true, nil
	}
	return canonical, false, nil
}

func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}
