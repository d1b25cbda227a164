package assist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndExtract(t *testing.T) {
	wrapped := WrapWithMarker("Dear Alice,\n\nOn it.")
	assert.Contains(t, wrapped, ReworkMarker)

	instruction, draft := ExtractInstruction("make it shorter\n\n" + wrapped)
	assert.Equal(t, "make it shorter", instruction)
	assert.Equal(t, "Dear Alice,\n\nOn it.", draft)
}

func TestExtractWithoutMarker(t *testing.T) {
	instruction, draft := ExtractInstruction("just some text")
	assert.Empty(t, instruction)
	assert.Equal(t, "just some text", draft)
}

func TestExtractEmptyInstruction(t *testing.T) {
	instruction, draft := ExtractInstruction(WrapWithMarker("body only"))
	assert.Empty(t, instruction)
	assert.Equal(t, "body only", draft)
}

func TestPrependFinalNotice(t *testing.T) {
	out := PrependFinalNotice("regenerated text")
	assert.Contains(t, out, FinalReworkNotice)
	assert.Contains(t, out, "regenerated text")
}

type countingCollaborator struct {
	classify int
	draft    int
	rework   int
}

func (c *countingCollaborator) Classify(context.Context, ClassifyRequest) (Classification, error) {
	c.classify++
	return Classification{Category: "needs_response", Confidence: "high"}, nil
}

func (c *countingCollaborator) GenerateDraft(context.Context, DraftRequest) (string, error) {
	c.draft++
	return "draft", nil
}

func (c *countingCollaborator) ReworkDraft(context.Context, ReworkRequest) (string, error) {
	c.rework++
	return "reworked", nil
}

func TestRateLimitedPassesThrough(t *testing.T) {
	inner := &countingCollaborator{}
	limited := NewRateLimited(inner, 100, 10)
	ctx := context.Background()

	cls, err := limited.Classify(ctx, ClassifyRequest{Subject: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "needs_response", cls.Category)

	_, err = limited.GenerateDraft(ctx, DraftRequest{})
	require.NoError(t, err)
	_, err = limited.ReworkDraft(ctx, ReworkRequest{})
	require.NoError(t, err)

	assert.Equal(t, 1, inner.classify)
	assert.Equal(t, 1, inner.draft)
	assert.Equal(t, 1, inner.rework)
}

func TestRateLimitedHonorsContext(t *testing.T) {
	inner := &countingCollaborator{}
	// Zero burst: Wait can never succeed.
	limited := NewRateLimited(inner, 0.001, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := limited.Classify(ctx, ClassifyRequest{})
	require.Error(t, err)
	assert.Zero(t, inner.classify)
}
