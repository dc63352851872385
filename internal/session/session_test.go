package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	ctx := New("Is this deal worth pursuing?")

	assert.NotEmpty(t, ctx.ID)
	assert.Equal(t, "Is this deal worth pursuing?", ctx.OriginalQuestion)
	assert.Empty(t, ctx.Transcript)
	assert.Equal(t, ModeNone, ctx.Mode)
	assert.False(t, ctx.Status.Connected)
}

func TestAppendIsPureAndOrdered(t *testing.T) {
	ctx := New("q")

	const calls = 25
	snapshots := make([]Context, 0, calls)
	for i := 0; i < calls; i++ {
		ctx = AppendMessage(ctx, NewMessage(RoleUser, SourceTriage, fmt.Sprintf("msg-%d", i)))
		snapshots = append(snapshots, ctx)
	}

	// transcript length equals prior length plus number of calls
	require.Len(t, ctx.Transcript, calls)

	// message order matches call order
	for i, msg := range ctx.Transcript {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.Text)
	}

	// earlier snapshots never observe later appends
	for i, snap := range snapshots {
		assert.Len(t, snap.Transcript, i+1)
	}
}

func TestAppendDoesNotMutateInput(t *testing.T) {
	ctx := New("q")
	ctx = AppendMessage(ctx, NewMessage(RoleUser, SourceTriage, "first"))

	before := ctx
	_ = AppendMessage(ctx, NewMessage(RoleUser, SourceTriage, "second"))
	_ = AppendMessage(ctx, NewMessage(RoleUser, SourceTriage, "third"))

	require.Len(t, before.Transcript, 1)
	assert.Equal(t, "first", before.Transcript[0].Text)
}

func TestAddSystemNote(t *testing.T) {
	ctx := New("q")
	ctx = AddSystemNote(ctx, "Voice agent connected.", SourceAudio)

	require.Len(t, ctx.Transcript, 1)
	assert.Equal(t, RoleSystem, ctx.Transcript[0].Role)
	assert.Equal(t, SourceAudio, ctx.Transcript[0].Source)
}

func TestEnsureIntroMessageIdempotent(t *testing.T) {
	ctx := New("q")

	ctx = EnsureIntroMessage(ctx, "Welcome.")
	require.Len(t, ctx.Transcript, 1)
	assert.Equal(t, RoleAssistant, ctx.Transcript[0].Role)

	again := EnsureIntroMessage(ctx, "Welcome.")
	assert.Equal(t, ctx, again)

	ctx = AppendMessage(ctx, NewMessage(RoleUser, SourceTriage, "hi"))
	again = EnsureIntroMessage(ctx, "Welcome.")
	assert.Equal(t, ctx, again)
}

func TestSetModeMergesStatusPatch(t *testing.T) {
	ctx := New("q")

	connected := true
	ctx = SetMode(ctx, ModeAudio, &StatusPatch{Connected: &connected})
	assert.Equal(t, ModeAudio, ctx.Mode)
	assert.True(t, ctx.Status.Connected)

	reason := "data channel failed"
	disconnected := false
	ctx = SetMode(ctx, ModeFallback, &StatusPatch{Connected: &disconnected, FallbackReason: &reason})
	assert.Equal(t, ModeFallback, ctx.Mode)
	assert.False(t, ctx.Status.Connected)
	assert.Equal(t, "data channel failed", ctx.Status.FallbackReason)

	// nil patch only switches mode
	ctx = SetMode(ctx, ModeNone, nil)
	assert.Equal(t, ModeNone, ctx.Mode)
	assert.Equal(t, "data channel failed", ctx.Status.FallbackReason)
}

func TestModeAlwaysSingleValued(t *testing.T) {
	valid := map[Mode]bool{ModeAudio: true, ModeVideo: true, ModeFallback: true, ModeNone: true}

	ctx := New("q")
	for _, mode := range []Mode{ModeAudio, ModeVideo, ModeFallback, ModeAudio, ModeNone} {
		ctx = SetMode(ctx, mode, nil)
		assert.True(t, valid[ctx.Mode])
		assert.Equal(t, mode, ctx.Mode)
	}
}

func TestUpdateTriageSummary(t *testing.T) {
	ctx := New("old question")
	ctx = UpdateTriageSummary(ctx, "new question", "an answer", "schedule a call")

	assert.Equal(t, "new question", ctx.OriginalQuestion)
	assert.Equal(t, "an answer", ctx.TriageAnswer)
	assert.Equal(t, "schedule a call", ctx.RecommendedNextStep)
}

func TestRecentEntriesBounds(t *testing.T) {
	build := func(n int) Context {
		ctx := New("q")
		for i := 0; i < n; i++ {
			ctx = AppendMessage(ctx, NewMessage(RoleUser, SourceTriage, fmt.Sprintf("m%d", i)))
		}
		return ctx
	}

	for _, size := range []int{0, 3, 8, 50} {
		ctx := build(size)

		got := RecentEntries(ctx, 8)
		assert.LessOrEqual(t, len(got), 8, "transcript size %d", size)
		if size >= 8 {
			assert.Len(t, got, 8)
			assert.Equal(t, fmt.Sprintf("m%d", size-8), got[0].Text)
			assert.Equal(t, fmt.Sprintf("m%d", size-1), got[7].Text)
		} else {
			assert.Len(t, got, size)
		}

		assert.Empty(t, RecentEntries(ctx, 0))
		assert.Empty(t, RecentEntries(ctx, -3))
	}
}

func TestClearTranscriptReseedsIntro(t *testing.T) {
	ctx := New("q")
	for i := 0; i < 10; i++ {
		ctx = AppendMessage(ctx, NewMessage(RoleUser, SourceTriage, "m"))
	}

	ctx = ClearTranscript(ctx, "Welcome back.")
	require.Len(t, ctx.Transcript, 1)
	assert.Equal(t, RoleAssistant, ctx.Transcript[0].Role)
	assert.Equal(t, "Welcome back.", ctx.Transcript[0].Text)
}

func TestMessageIDsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		msg := NewMessage(RoleUser, SourceTriage, "x")
		assert.False(t, seen[msg.ID])
		seen[msg.ID] = true
	}
}
