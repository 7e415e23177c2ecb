package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHashIsDeterministicAcrossRepeatedCollects(t *testing.T) {
	c := New("sess-1", "build-1", nil, nil, nil, nil, nil)

	first, err := c.Collect(context.Background())
	require.NoError(t, err)

	second, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.ContextHash, second.ContextHash)
	assert.NotEmpty(t, first.ContextHash)
}

func TestContextHashChangesWithState(t *testing.T) {
	empty := New("sess-1", "build-1", nil, nil, nil, nil, nil)
	s1, err := empty.Collect(context.Background())
	require.NoError(t, err)

	withTasks := New("sess-1", "build-1", nil, nil, nil, nil, func() []string {
		return []string{"task-a"}
	})
	s2, err := withTasks.Collect(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, s1.ContextHash, s2.ContextHash)
}

func TestVCSFailureRecordsUnknownNotOmitted(t *testing.T) {
	c := New("sess-1", "build-1", nil, nil, nil, failingVCS{}, nil)
	s, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "unknown", s.VCSHead)
	assert.False(t, s.VCSDirty)
	assert.Equal(t, []string{"unknown"}, s.OpenWorkItems)
}

type failingVCS struct{}

func (failingVCS) HeadCommit(ctx context.Context) (string, error) {
	return "", assertErr
}
func (failingVCS) IsDirty(ctx context.Context) (bool, error) {
	return false, assertErr
}
func (failingVCS) OpenWorkItems(ctx context.Context) ([]string, error) {
	return nil, assertErr
}

var assertErr = errFixture("vcs unavailable")

type errFixture string

func (e errFixture) Error() string { return string(e) }

func TestMemoryStoreSaveAndLoad(t *testing.T) {
	store := NewMemoryStore()
	s := Summary{SessionID: "sess-1", ContextHash: "abc"}

	require.NoError(t, store.Save(context.Background(), s))

	loaded, err := store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, s.ContextHash, loaded.ContextHash)
}

func TestMemoryStoreLoadMissingReturnsError(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Load(context.Background(), "missing")
	assert.Error(t, err)
}

func TestYAMLRenderIsStable(t *testing.T) {
	s := Summary{SessionID: "sess-1", ContextHash: "abc", SchemaVersion: SchemaVersion}
	a, err := YAML(s)
	require.NoError(t, err)
	b, err := YAML(s)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
