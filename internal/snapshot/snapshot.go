// Package snapshot implements the session snapshotter (C6): a point-in-time,
// deterministically-serializable summary of every other component's state
//.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/r3e-network/agent-sentinel/internal/agentrt"
	"github.com/r3e-network/agent-sentinel/internal/lockmgr"
	"github.com/r3e-network/agent-sentinel/internal/sentinel"
	"github.com/r3e-network/agent-sentinel/pkg/metrics"
)

// SchemaVersion is bumped whenever SessionSummary's field set changes in a
// way that would change its JSON shape.
const SchemaVersion = 1

// Summary is the full session snapshot.
type Summary struct {
	SchemaVersion int       `json:"schema_version" yaml:"schema_version"`
	SessionID     string    `json:"session_id" yaml:"session_id"`
	BuildID       string    `json:"build_id" yaml:"build_id"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`

	VCSHead  string `json:"vcs_head" yaml:"vcs_head"`
	VCSDirty bool   `json:"vcs_dirty" yaml:"vcs_dirty"`

	AgentCredits  map[string]sentinel.CreditRecord `json:"agent_credits" yaml:"agent_credits"`
	LockHolders   map[string]string                `json:"lock_holders" yaml:"lock_holders"`
	LockWaiters   map[string][]string               `json:"lock_waiters" yaml:"lock_waiters"`
	AgentStates   map[string]agentrt.Record         `json:"agent_states" yaml:"agent_states"`
	OpenWorkItems []string                          `json:"open_work_items" yaml:"open_work_items"`
	NextTasks     []string                          `json:"next_tasks" yaml:"next_tasks"`
	Warnings      []agentrt.Warning                 `json:"warnings" yaml:"warnings"`
	Extensions    map[string]interface{}            `json:"extensions,omitempty" yaml:"extensions,omitempty"`

	// ContextHash is the SHA-256 hex digest of this Summary's canonical JSON
	// with ContextHash itself held at "" during hashing.
	ContextHash string `json:"context_hash" yaml:"context_hash"`
}

// VCS reports the build's version-control position. Every method MAY fail;
// on failure the collector records "unknown" rather than omitting the
// field, preserving determinism.
type VCS interface {
	HeadCommit(ctx context.Context) (string, error)
	IsDirty(ctx context.Context) (bool, error)
	OpenWorkItems(ctx context.Context) ([]string, error)
}

// CreditSource is satisfied by *sentinel.Sentinel.
type CreditSource interface {
	Snapshot() map[string]sentinel.CreditRecord
}

// LockSource is satisfied by *lockmgr.Manager.
type LockSource interface {
	Holders() map[string]string
	Waiters() map[string][]string
}

// AgentSource is satisfied by *agentrt.Runtime.
type AgentSource interface {
	Records() map[string]agentrt.Record
}

// Collector assembles Summary values from the other components. It holds no
// mutable state of its own.
type Collector struct {
	sessionID string
	buildID   string
	credits   CreditSource
	locks     LockSource
	agents    AgentSource
	vcs       VCS
	nextTasks func() []string
	metrics   *metrics.Metrics
}

// New builds a Collector wired to the live components. nextTasks may be nil,
// in which case the summary's NextTasks is always empty.
func New(sessionID, buildID string, credits CreditSource, locks LockSource, agents AgentSource, vcs VCS, nextTasks func() []string) *Collector {
	return &Collector{
		sessionID: sessionID,
		buildID:   buildID,
		credits:   credits,
		locks:     locks,
		agents:    agents,
		vcs:       vcs,
		nextTasks: nextTasks,
		metrics:   metrics.Global(),
	}
}

// Collect produces one Summary` operation).
// Steps 1-4 read each component independently — there is no single process-
// wide lock spanning sentinel/lockmgr/runtime/VCS, so
// "global read barrier" here means each component's own snapshot call is
// itself linearizable, not that the whole Collect call is atomic across
// components. Step 5 sorts and hashes; step 6 (persistence) is the caller's
// responsibility via a Store.
func (c *Collector) Collect(ctx context.Context) (Summary, error) {
	start := time.Now()
	defer func() {
		c.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		c.metrics.SnapshotsTotal.Inc()
	}()

	summary := Summary{
		SchemaVersion: SchemaVersion,
		SessionID:     c.sessionID,
		BuildID:       c.buildID,
		CreatedAt:     time.Now().UTC(),
	}

	if c.credits != nil {
		summary.AgentCredits = c.credits.Snapshot()
	}
	if c.locks != nil {
		summary.LockHolders = c.locks.Holders()
		summary.LockWaiters = c.locks.Waiters()
	}
	if c.agents != nil {
		summary.AgentStates = c.agents.Records()
		summary.Warnings = collectWarnings(summary.AgentStates)
	}
	if c.nextTasks != nil {
		summary.NextTasks = c.nextTasks()
	}

	summary.VCSHead = unknownOnError(func() (string, error) { return c.vcsHead(ctx) })
	summary.VCSDirty = dirtyUnknownOnError(ctx, c.vcs)
	summary.OpenWorkItems = workItemsUnknownOnError(ctx, c.vcs)

	hash, err := contextHash(summary)
	if err != nil {
		return Summary{}, err
	}
	summary.ContextHash = hash

	return summary, nil
}

func collectWarnings(states map[string]agentrt.Record) []agentrt.Warning {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []agentrt.Warning
	for _, name := range names {
		out = append(out, states[name].Warnings...)
	}
	return out
}

func (c *Collector) vcsHead(ctx context.Context) (string, error) {
	if c.vcs == nil {
		return "unknown", nil
	}
	return c.vcs.HeadCommit(ctx)
}

func unknownOnError(fn func() (string, error)) string {
	v, err := fn()
	if err != nil || v == "" {
		return "unknown"
	}
	return v
}

func dirtyUnknownOnError(ctx context.Context, vcs VCS) bool {
	if vcs == nil {
		return false
	}
	dirty, err := vcs.IsDirty(ctx)
	if err != nil {
		return false
	}
	return dirty
}

func workItemsUnknownOnError(ctx context.Context, vcs VCS) []string {
	if vcs == nil {
		return nil
	}
	items, err := vcs.OpenWorkItems(ctx)
	if err != nil {
		return []string{"unknown"}
	}
	return items
}

// contextHash computes the SHA-256 hex digest of summary's canonical JSON
// with ContextHash zeroed during hashing. CreatedAt is
// also excluded from the hashed view: "identical inputs" means identical component state, not identical
// invocation instant, and two Collect calls back-to-back over unchanged
// state would otherwise hash differently purely because the wall clock
// advanced. Field order is fixed by the Summary struct's declaration and
// encoding/json's built-in alphabetical map-key ordering, so two Collect
// calls over identical component state marshal to byte-identical JSON and
// therefore hash identically.
func contextHash(summary Summary) (string, error) {
	summary.ContextHash = ""
	summary.CreatedAt = time.Time{}
	raw, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
