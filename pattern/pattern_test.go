package pattern_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagome-ai/memengine/message"
	"github.com/kagome-ai/memengine/pattern"
)

func TestMemory_DetectAndStore_RejectsNonProcedural(t *testing.T) {
	store := pattern.New(pattern.Options{})
	called := false
	propose := func(context.Context, string) (pattern.Proposal, error) {
		called = true
		return pattern.Proposal{}, nil
	}

	msg, err := message.New("u1", "c1", message.RoleUser, "what is the weather today", time.Now())
	require.NoError(t, err)

	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))
	assert.False(t, called, "propose must not be called for non-procedural content")
}

func TestMemory_DetectAndStore_RejectsMalformedProposal(t *testing.T) {
	store := pattern.New(pattern.Options{})
	propose := func(context.Context, string) (pattern.Proposal, error) {
		return pattern.Proposal{Name: "incomplete"}, nil // missing description/template/triggers
	}

	msg, err := message.New("u1", "c1", message.RoleUser, "every time I ask for a summary, build one", time.Now())
	require.NoError(t, err)

	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))

	matched, err := store.Match(context.Background(), "u1", "summary", nil)
	require.NoError(t, err)
	assert.Nil(t, matched)
}

func TestMemory_DetectAndStore_SwallowsProposalError(t *testing.T) {
	store := pattern.New(pattern.Options{})
	propose := func(context.Context, string) (pattern.Proposal, error) {
		return pattern.Proposal{}, errors.New("capability unavailable")
	}

	msg, err := message.New("u1", "c1", message.RoleUser, "whenever I say done, build the release notes", time.Now())
	require.NoError(t, err)

	// Must not surface the capability error; detection swallows it.
	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))
}

func validProposal() pattern.Proposal {
	return pattern.Proposal{
		Name:                "release-notes",
		Description:         "Generate release notes when asked",
		Triggers:            []string{"release notes", "regex:(?i)changelog"},
		InstructionTemplate: "Summarize recent commits into release notes.",
	}
}

func TestMemory_DetectAndStore_IsIdempotentByName(t *testing.T) {
	store := pattern.New(pattern.Options{})
	calls := 0
	propose := func(context.Context, string) (pattern.Proposal, error) {
		calls++
		return validProposal(), nil
	}

	msg, err := message.New("u1", "c1", message.RoleUser, "whenever I say done, build the release notes", time.Now())
	require.NoError(t, err)

	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))
	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))

	assert.Equal(t, 1, store.Stats("u1"))
}

func TestMemory_Match_KeywordTrigger(t *testing.T) {
	store := pattern.New(pattern.Options{})
	propose := func(context.Context, string) (pattern.Proposal, error) { return validProposal(), nil }

	msg, err := message.New("u1", "c1", message.RoleUser, "please build the release notes", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))

	matched, err := store.Match(context.Background(), "u1", "can you give me release notes", nil)
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, "release-notes", matched.Name)
	assert.Equal(t, int64(1), matched.UsageCount())
}

func TestMemory_Match_RegexTrigger(t *testing.T) {
	store := pattern.New(pattern.Options{})
	propose := func(context.Context, string) (pattern.Proposal, error) { return validProposal(), nil }
	msg, err := message.New("u1", "c1", message.RoleUser, "whenever I say done, build the release notes", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))

	matched, err := store.Match(context.Background(), "u1", "show me the CHANGELOG please", nil)
	require.NoError(t, err)
	require.NotNil(t, matched)
}

func TestMemory_Match_NoMatchReturnsNil(t *testing.T) {
	store := pattern.New(pattern.Options{})
	matched, err := store.Match(context.Background(), "u1", "anything at all", nil)
	require.NoError(t, err)
	assert.Nil(t, matched)
}

// Scenario from spec.md §8: 11 successive matches push usage_count to 11 and
// the threshold from 0.80 down to 0.75.
func TestMemory_RecordUsage_ReinforcesAfterElevenMatches(t *testing.T) {
	store := pattern.New(pattern.Options{})
	propose := func(context.Context, string) (pattern.Proposal, error) { return validProposal(), nil }
	msg, err := message.New("u1", "c1", message.RoleUser, "please build the release notes", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))

	var matched *message.Pattern
	for i := 0; i < 11; i++ {
		m, err := store.Match(context.Background(), "u1", "release notes please", nil)
		require.NoError(t, err)
		require.NotNil(t, m)
		matched = m
	}

	assert.Equal(t, int64(11), matched.UsageCount())
	assert.Equal(t, 0.75, matched.ConfidenceThreshold())
}

// N concurrent RecordUsage invocations must produce usage_count += N
// (spec.md §8), exercised through concurrent Match calls on the same
// pattern.
func TestMemory_Match_ConcurrentRecordUsageIsAtomic(t *testing.T) {
	store := pattern.New(pattern.Options{})
	propose := func(context.Context, string) (pattern.Proposal, error) { return validProposal(), nil }
	msg, err := message.New("u1", "c1", message.RoleUser, "please build the release notes", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = store.Match(context.Background(), "u1", "release notes please", nil)
		}()
	}
	wg.Wait()

	matched, err := store.Match(context.Background(), "u1", "release notes please", nil)
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, int64(n+1), matched.UsageCount())
}

func TestMemory_Consolidate_MergesDuplicateTriggerSets(t *testing.T) {
	store := pattern.New(pattern.Options{})

	triggersA := []message.Trigger{{Kind: message.TriggerKeyword, Pattern: "release notes"}}
	a, err := message.NewPattern("u1", "release-notes", "desc", "template", triggersA, time.Now())
	require.NoError(t, err)
	a.RecordUsage(time.Now())
	a.RecordUsage(time.Now())

	triggersB := []message.Trigger{{Kind: message.TriggerKeyword, Pattern: "changelog"}}
	b, err := message.NewPattern("u1", "Release-Notes", "desc", "template", triggersB, time.Now())
	require.NoError(t, err)
	b.RecordUsage(time.Now())

	// Memory has no public seeding method, so both patterns go in through
	// the detection path from the same message; a and b above are not
	// stored, only a.Name is reused.
	propose1 := func(context.Context, string) (pattern.Proposal, error) {
		return pattern.Proposal{Name: a.Name, Description: "desc", Triggers: []string{"release notes"}, InstructionTemplate: "template"}, nil
	}
	msg, err := message.New("u1", "c1", message.RoleUser, "build the thing", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose1, nil))

	propose2 := func(context.Context, string) (pattern.Proposal, error) {
		return pattern.Proposal{Name: "release-notes-2", Description: "desc", Triggers: []string{"release notes"}, InstructionTemplate: "template"}, nil
	}
	// Force a second, distinctly-named pattern with an identical trigger set
	// so the Jaccard path (not the name path) is what merges it.
	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose2, nil))

	require.NoError(t, store.Consolidate(context.Background(), "u1"))
	assert.Equal(t, 1, store.Stats("u1"))
}

func TestMemory_EraseUser(t *testing.T) {
	store := pattern.New(pattern.Options{})
	propose := func(context.Context, string) (pattern.Proposal, error) { return validProposal(), nil }
	msg, err := message.New("u1", "c1", message.RoleUser, "please build the release notes", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.DetectAndStore(context.Background(), "u1", msg, propose, nil))
	require.Equal(t, 1, store.Stats("u1"))

	require.NoError(t, store.EraseUser(context.Background(), "u1"))
	assert.Equal(t, 0, store.Stats("u1"))

	matched, err := store.Match(context.Background(), "u1", "release notes please", nil)
	require.NoError(t, err)
	assert.Nil(t, matched)
}
