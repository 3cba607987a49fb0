package stub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

func TestGenerate_Deterministic(t *testing.T) {
	t.Parallel()
	c := New()
	req := domain.GenerationRequest{Model: "stub/dreams", Prompt: "I dreamt of a river"}
	a, err := c.Generate(context.Background(), req)
	require.NoError(t, err)
	b, err := c.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Greater(t, len(a), 100)
	assert.Equal(t, byte('.'), a[len(a)-1])
}

func TestGenerate_HonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Generate(ctx, domain.GenerationRequest{})
	require.ErrorIs(t, err, context.Canceled)
}
