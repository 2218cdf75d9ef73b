// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/docthread/internal/usage"
)

func newTestManager(t *testing.T) (*Manager, *MemoryGateway) {
	t.Helper()
	gw := NewMemoryGateway()
	store, err := Open(gw, nil)
	require.NoError(t, err)
	return NewManager(store, DefaultSettings(), usage.DefaultRates(), nil), gw
}

func appendTurn(t *testing.T, m *Manager, name, user, assistant string) {
	t.Helper()
	_, err := m.AppendTurn(name, Turn{
		User: user, UserTokens: 3,
		Assistant: assistant, AssistantTokens: 5,
		Usage: usage.Entry{PromptTokens: 10, CompletionTokens: 5},
	})
	require.NoError(t, err)
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

// =============================================================================
// CREATE / SWITCH
// =============================================================================

func TestCreateOrSwitch(t *testing.T) {
	m, _ := newTestManager(t)

	action, err := m.CreateOrSwitch("proj")
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)
	assert.Equal(t, "proj", m.Store().CurrentName())

	c, err := m.Store().Get("proj")
	require.NoError(t, err)
	assert.Empty(t, c.Parent)
	assert.Equal(t, 0, c.ForkPoint)
	assert.Equal(t, PromptAnalysis, c.PromptType)
	assert.Equal(t, DefaultHistoryDepth, c.HistoryDepth)
	assert.NotEmpty(t, c.ID)

	_, err = m.CreateOrSwitch("other")
	require.NoError(t, err)
	action, err = m.CreateOrSwitch("proj")
	require.NoError(t, err)
	assert.Equal(t, ActionSwitched, action)
	assert.Equal(t, "proj", m.Store().CurrentName())
}

func TestCreateOrSwitch_InvalidNames(t *testing.T) {
	m, gw := newTestManager(t)

	for _, name := range []string{"", "a/b", "has space", "tab\tname", "..", `back\slash`} {
		_, err := m.CreateOrSwitch(name)
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("CreateOrSwitch(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
	if gw.Writes() != 0 {
		t.Errorf("invalid names caused %d gateway writes", gw.Writes())
	}
}

// =============================================================================
// BRANCHING
// =============================================================================

func TestBranch_ScenarioProjDeep(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CreateOrSwitch("proj")
	require.NoError(t, err)
	deep, err := m.Branch("deep", "")
	require.NoError(t, err)
	assert.Equal(t, "proj", deep.Parent)
	assert.Equal(t, 0, deep.ForkPoint)
	assert.Equal(t, "deep", m.Store().CurrentName())

	appendTurn(t, m, "deep", "hello", "hi there")

	deep, err = m.Store().Get("deep")
	require.NoError(t, err)
	proj, err := m.Store().Get("proj")
	require.NoError(t, err)
	assert.Len(t, deep.Messages, 2)
	assert.Len(t, proj.Messages, 0)
	assert.Equal(t, 0, deep.Messages[0].Seq)
}

func TestBranch_TrunkIsFrozenAtForkPoint(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	appendTurn(t, m, "p", "q1", "a1")

	b, err := m.Branch("b", "p")
	require.NoError(t, err)
	require.Equal(t, 2, b.ForkPoint)

	// Parent keeps growing after the fork.
	appendTurn(t, m, "p", "q2", "a2")
	appendTurn(t, m, "p", "q3", "a3")

	history, err := m.Store().EffectiveHistory("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1"}, contents(history))

	appendTurn(t, m, "b", "bq", "ba")
	history, err = m.Store().EffectiveHistory("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1", "bq", "ba"}, contents(history))

	b, err = m.Store().Get("b")
	require.NoError(t, err)
	assert.Equal(t, b.ForkPoint, b.Messages[0].Seq, "first own message continues at the fork point")
	assert.Equal(t, "00002", b.Messages[0].PromptID)

	parent, err := m.Store().EffectiveHistory("p")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1", "q2", "a2", "q3", "a3"}, contents(parent))
}

func TestBranch_NestedBranchesForkOnEffectiveLength(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("root")
	require.NoError(t, err)
	appendTurn(t, m, "root", "r1", "r1a")

	_, err = m.Branch("mid", "root")
	require.NoError(t, err)
	appendTurn(t, m, "mid", "m1", "m1a")

	leaf, err := m.Branch("leaf", "mid")
	require.NoError(t, err)
	assert.Equal(t, 4, leaf.ForkPoint)

	appendTurn(t, m, "mid", "m2", "m2a")
	history, err := m.Store().EffectiveHistory("leaf")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r1a", "m1", "m1a"}, contents(history))
}

func TestBranch_CopiesSettingsAsSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	_, err = m.SetPromptType("p", PromptQA)
	require.NoError(t, err)
	_, err = m.SetResponseLength("p", LengthXL)
	require.NoError(t, err)
	_, err = m.ActivateDocuments("p", "b.md", "a.md")
	require.NoError(t, err)

	b, err := m.Branch("b", "p")
	require.NoError(t, err)
	assert.Equal(t, PromptQA, b.PromptType)
	assert.Equal(t, LengthXL, b.ResponseLength)
	assert.Equal(t, []string{"a.md", "b.md"}, b.ActiveDocuments)

	_, err = m.SetPromptType("p", PromptGeneration)
	require.NoError(t, err)
	_, err = m.ActivateDocuments("p", "c.md")
	require.NoError(t, err)

	b, err = m.Store().Get("b")
	require.NoError(t, err)
	assert.Equal(t, PromptQA, b.PromptType)
	assert.Equal(t, []string{"a.md", "b.md"}, b.ActiveDocuments)
}

func TestBranch_NameCollision(t *testing.T) {
	m, gw := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	_, err = m.CreateOrSwitch("taken")
	require.NoError(t, err)
	before := gw.Writes()

	_, err = m.Branch("taken", "p")
	assert.ErrorIs(t, err, ErrNameCollision)
	assert.Equal(t, before, gw.Writes())
	assert.Equal(t, "taken", m.Store().CurrentName())
}

func TestBranch_NoCurrent(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Branch("b", "")
	assert.ErrorIs(t, err, ErrNoCurrentConversation)
}

// =============================================================================
// LISTING
// =============================================================================

func TestList_CreationOrderSurvivesReload(t *testing.T) {
	m, gw := newTestManager(t)
	_, err := m.CreateOrSwitch("zeta")
	require.NoError(t, err)
	for _, name := range []string{"b2", "a1", "c3"} {
		_, err := m.Branch(name, "zeta")
		require.NoError(t, err)
	}

	names := func(list []Summary) []string {
		out := make([]string, len(list))
		for i, s := range list {
			out[i] = s.Name
		}
		return out
	}
	want := []string{"zeta", "b2", "a1", "c3"}
	assert.Equal(t, want, names(m.List()))

	reopened, err := Open(gw, nil)
	require.NoError(t, err)
	m2 := NewManager(reopened, DefaultSettings(), usage.DefaultRates(), nil)
	assert.Equal(t, want, names(m2.List()))
	assert.Equal(t, "c3", reopened.CurrentName())

	_, err = m2.CreateOrSwitch("new")
	require.NoError(t, err)
	assert.Equal(t, append(want, "new"), names(m2.List()))
}

func TestList_Counts(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	appendTurn(t, m, "p", "q", "a")
	_, err = m.Branch("b", "p")
	require.NoError(t, err)
	appendTurn(t, m, "b", "q", "a")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, Summary{Name: "p", MessageCount: 2, EffectiveCount: 2}, list[0])
	assert.Equal(t, Summary{Name: "b", Parent: "p", ForkPoint: 2, MessageCount: 2, EffectiveCount: 4, Current: true}, list[1])
}

// =============================================================================
// CLEARING
// =============================================================================

func TestClearAll_RequiresConfirmation(t *testing.T) {
	m, gw := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	appendTurn(t, m, "p", "q", "a")
	before := gw.Writes()

	for _, tok := range []ConfirmToken{{}, ConfirmClear("p")} {
		err = m.ClearAll(tok)
		assert.ErrorIs(t, err, ErrConfirmationRequired)
	}
	assert.Equal(t, before, gw.Writes())
	assert.Equal(t, 1, m.Store().Len())
	assert.Equal(t, "p", m.Store().CurrentName())

	require.NoError(t, m.ClearAll(ConfirmClearAll()))
	assert.Equal(t, 0, m.Store().Len())
	assert.Empty(t, m.Store().CurrentName())

	convs, err := gw.LoadConversations()
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestClearConversation_TokenMustMatchName(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	_, err = m.CreateOrSwitch("q")
	require.NoError(t, err)

	err = m.ClearConversation("p", ConfirmClear("q"))
	assert.ErrorIs(t, err, ErrConfirmationRequired)
	assert.Equal(t, 2, m.Store().Len())

	require.NoError(t, m.ClearConversation("p", ConfirmClear("p")))
	_, err = m.Store().Get("p")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.Equal(t, "q", m.Store().CurrentName())
}

func TestClearConversation_MaterializesChildren(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	appendTurn(t, m, "p", "q1", "a1")
	_, err = m.Branch("child", "p")
	require.NoError(t, err)
	appendTurn(t, m, "child", "c1", "ca1")
	_, err = m.Branch("grandchild", "child")
	require.NoError(t, err)

	require.NoError(t, m.ClearConversation("p", ConfirmClear("p")))

	child, err := m.Store().Get("child")
	require.NoError(t, err)
	assert.Empty(t, child.Parent)
	assert.Equal(t, []string{"q1", "a1", "c1", "ca1"}, contents(child.Messages))
	assert.Equal(t, 4, child.NextSeq())

	history, err := m.Store().EffectiveHistory("grandchild")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1", "c1", "ca1"}, contents(history))
	assert.Equal(t, "grandchild", m.Store().CurrentName())
}

// =============================================================================
// ORPHANS
// =============================================================================

func TestOrphanedBranch_DetectedAndDetached(t *testing.T) {
	gw := NewMemoryGateway()
	parent := &Conversation{ID: "p-id", Name: "p", Messages: []Message{{Seq: 0, Role: RoleUser, Content: "x"}}}
	orphan := &Conversation{ID: "o-id", Name: "o", Parent: "gone", ForkPoint: 3, CreationSeq: 1,
		Messages: []Message{{Seq: 3, Role: RoleUser, Content: "mine"}}}
	require.NoError(t, gw.SaveConversation(parent))
	require.NoError(t, gw.SaveConversation(orphan))

	store, err := Open(gw, nil)
	require.NoError(t, err)
	m := NewManager(store, DefaultSettings(), usage.DefaultRates(), nil)

	_, err = store.EffectiveHistory("o")
	require.ErrorIs(t, err, ErrOrphanedBranch)
	var oe *OrphanError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "gone", oe.Parent)

	_, err = m.Branch("sub", "o")
	assert.ErrorIs(t, err, ErrOrphanedBranch)

	detached, err := m.Detach("o")
	require.NoError(t, err)
	assert.False(t, detached.IsBranch())
	assert.Equal(t, 4, detached.NextSeq())

	history, err := store.EffectiveHistory("o")
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, contents(history))
}

func TestDetach_RebasesChildrenOfOrphan(t *testing.T) {
	gw := NewMemoryGateway()
	orphan := &Conversation{ID: "o-id", Name: "o", Parent: "gone", ForkPoint: 3,
		Messages: []Message{{Seq: 3, Role: RoleUser, Content: "q"}, {Seq: 4, Role: RoleAssistant, Content: "a"}}}
	child := &Conversation{ID: "c-id", Name: "c", Parent: "o", ForkPoint: 5, CreationSeq: 1,
		Messages: []Message{{Seq: 5, Role: RoleUser, Content: "child q"}}}
	early := &Conversation{ID: "e-id", Name: "e", Parent: "o", ForkPoint: 1, CreationSeq: 2,
		Messages: []Message{{Seq: 1, Role: RoleUser, Content: "early q"}}}
	for _, c := range []*Conversation{orphan, child, early} {
		require.NoError(t, gw.SaveConversation(c))
	}

	store, err := Open(gw, nil)
	require.NoError(t, err)
	m := NewManager(store, DefaultSettings(), usage.DefaultRates(), nil)

	_, err = m.Detach("o")
	require.NoError(t, err)

	tests := []struct {
		name string
		want []string
	}{
		{"o", []string{"q", "a"}},
		{"c", []string{"q", "a", "child q"}},
		{"e", []string{"early q"}},
	}
	for _, tc := range tests {
		history, err := store.EffectiveHistory(tc.name)
		if err != nil {
			t.Errorf("EffectiveHistory(%q): %v", tc.name, err)
			continue
		}
		assert.Equal(t, tc.want, contents(history), tc.name)
	}

	c, err := store.Get("c")
	require.NoError(t, err)
	assert.Equal(t, 2, c.ForkPoint)
	assert.Equal(t, "o", c.Parent)

	// The rebase is persisted.
	saved, err := gw.LoadConversations()
	require.NoError(t, err)
	for _, sc := range saved {
		if sc.Name == "c" {
			assert.Equal(t, 2, sc.ForkPoint)
		}
	}
}

func TestAppendTurn_ActivatesReferencedDocuments(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("proj")
	require.NoError(t, err)
	_, err = m.ActivateDocuments("proj", "b.md")
	require.NoError(t, err)

	c, err := m.AppendTurn("proj", Turn{User: "q", Assistant: "a", Activate: []string{"c.md", "a.md", "b.md", ""}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md", "c.md"}, c.ActiveDocuments)
	assert.Len(t, c.Messages, 2)

	// A rejected turn activates nothing.
	_, err = m.AppendTurn("proj", Turn{User: "q", Assistant: "a", Usage: usage.Entry{PromptTokens: -1}, Activate: []string{"z.md"}})
	require.Error(t, err)
	c, err = m.Store().Get("proj")
	require.NoError(t, err)
	assert.NotContains(t, c.ActiveDocuments, "z.md")
}

func TestEffectiveHistory_CycleIsCorrupt(t *testing.T) {
	gw := NewMemoryGateway()
	require.NoError(t, gw.SaveConversation(&Conversation{ID: "1", Name: "a", Parent: "b"}))
	require.NoError(t, gw.SaveConversation(&Conversation{ID: "2", Name: "b", Parent: "a", CreationSeq: 1}))

	store, err := Open(gw, nil)
	require.NoError(t, err)
	_, err = store.EffectiveHistory("a")
	assert.ErrorIs(t, err, ErrCorruptAncestry)
}

func TestEffectiveHistory_ForkPointBeyondParent(t *testing.T) {
	gw := NewMemoryGateway()
	require.NoError(t, gw.SaveConversation(&Conversation{ID: "1", Name: "p"}))
	require.NoError(t, gw.SaveConversation(&Conversation{ID: "2", Name: "b", Parent: "p", ForkPoint: 5, CreationSeq: 1}))

	store, err := Open(gw, nil)
	require.NoError(t, err)
	_, err = store.EffectiveHistory("b")
	assert.ErrorIs(t, err, ErrCorruptAncestry)
}

// =============================================================================
// SETTINGS, TURNS AND USAGE
// =============================================================================

func TestSettings(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)

	_, err = m.SetPromptType("p", "poetry")
	assert.ErrorIs(t, err, ErrInvalidPromptType)
	_, err = m.SetResponseLength("p", "huge")
	assert.ErrorIs(t, err, ErrInvalidResponseLength)
	_, err = m.SetHistoryDepth("p", 0)
	assert.ErrorIs(t, err, ErrInvalidHistoryDepth)

	c, err := m.SetResponseLength("p", LengthXXL)
	require.NoError(t, err)
	assert.Equal(t, 8192, c.ResponseLength.Tokens())

	c, err = m.SetHistoryDepth("p", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, c.HistoryDepth)

	_, err = m.DeactivateDocument("p", "nope.md")
	assert.ErrorIs(t, err, ErrDocumentNotActive)
	_, err = m.ActivateDocuments("p", "x.md", "x.md")
	require.NoError(t, err)
	c, err = m.DeactivateDocument("p", "x.md")
	require.NoError(t, err)
	assert.Empty(t, c.ActiveDocuments)
}

func TestActivateDocuments_NoOpDoesNotWrite(t *testing.T) {
	m, gw := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	_, err = m.ActivateDocuments("p", "a.md")
	require.NoError(t, err)
	before := gw.Writes()

	_, err = m.ActivateDocuments("p", "a.md")
	require.NoError(t, err)
	assert.Equal(t, before, gw.Writes())
}

func TestAppendTurn_RecordsUsage(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	_, err = m.CreateOrSwitch("q")
	require.NoError(t, err)

	appendTurn(t, m, "p", "q1", "a1")
	appendTurn(t, m, "q", "q1", "a1")

	p, err := m.Store().Get("p")
	require.NoError(t, err)
	assert.Equal(t, 10, p.Usage.PromptTokens)
	assert.Equal(t, 5, p.Usage.CompletionTokens)
	assert.InDelta(t, 0.000105, p.Usage.Cost, 1e-12)
	assert.Equal(t, "00001", p.Messages[1].PromptID)

	all := m.UsageAll()
	assert.Equal(t, 20, all.PromptTokens)
	assert.Equal(t, 10, all.CompletionTokens)
}

func TestAppendTurn_InvalidUsageAppendsNothing(t *testing.T) {
	m, gw := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)
	before := gw.Writes()

	_, err = m.AppendTurn("p", Turn{User: "q", Assistant: "a", Usage: usage.Entry{PromptTokens: -1}})
	assert.ErrorIs(t, err, usage.ErrInvalidUsageRecord)

	p, err := m.Store().Get("p")
	require.NoError(t, err)
	assert.Empty(t, p.Messages)
	assert.True(t, p.Usage.IsZero())
	assert.Equal(t, before, gw.Writes())
}

type failingGateway struct {
	*MemoryGateway
	fail bool
}

func (g *failingGateway) SaveConversation(c *Conversation) error {
	if g.fail {
		return errors.New("disk full")
	}
	return g.MemoryGateway.SaveConversation(c)
}

func TestAppendTurn_GatewayFailureLeavesStateUnchanged(t *testing.T) {
	gw := &failingGateway{MemoryGateway: NewMemoryGateway()}
	store, err := Open(gw, nil)
	require.NoError(t, err)
	m := NewManager(store, DefaultSettings(), usage.DefaultRates(), nil)
	_, err = m.CreateOrSwitch("p")
	require.NoError(t, err)

	gw.fail = true
	_, err = m.AppendTurn("p", Turn{User: "q", Assistant: "a", Usage: usage.Entry{PromptTokens: 1}})
	require.Error(t, err)

	p, err := store.Get("p")
	require.NoError(t, err)
	assert.Empty(t, p.Messages)
	assert.True(t, p.Usage.IsZero())
}

func TestRecordUsage(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateOrSwitch("p")
	require.NoError(t, err)

	c, err := m.RecordUsage("p", usage.Entry{PromptTokens: 1000, CompletionTokens: 1000})
	require.NoError(t, err)
	assert.InDelta(t, 0.018, c.Usage.Cost, 1e-9)
	assert.Empty(t, c.Messages)
}
