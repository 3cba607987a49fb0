package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

type wordCounter struct{}

func (wordCounter) Count(text, _ string) int { return len(strings.Fields(text)) }

func TestRenderPrompt(t *testing.T) {
	assert.Equal(t, "hello", renderPrompt(nil, "hello"))

	got := renderPrompt([]domain.ChatMessage{
		{Role: "user", Content: "I saw a wolf"},
		{Role: "assistant", Content: " Wolves mean instinct. "},
	}, "What next?")
	assert.Equal(t, "Conversation so far:\nUser: I saw a wolf\nAdvisor: Wolves mean instinct.\n\nUser: What next?", got)
}

func TestBuildPrompt_CapsAndTrims(t *testing.T) {
	p := config.Persona{SystemPrompt: "be kind", Models: []string{"m"}}
	history := []domain.ChatMessage{
		{Role: "user", Content: "one one one"},
		{Role: "model", Content: "two two two"},
		{Role: "user", Content: ""},
		{Role: "user", Content: "three three three"},
	}

	s := &AdvisorService{limits: Limits{MaxHistoryMessages: 10}}
	assert.Contains(t, s.buildPrompt(p, history, "now"), "one one one", "no counter means no trimming")

	s = &AdvisorService{limits: Limits{MaxHistoryMessages: 2}}
	got := s.buildPrompt(p, history, "now")
	assert.NotContains(t, got, "two")
	assert.Contains(t, got, "three three three")

	// budget 14 minus 2 system words leaves room for the header, the last turn and the message
	s = &AdvisorService{AdvisorDeps: AdvisorDeps{Counter: wordCounter{}}, limits: Limits{MaxHistoryMessages: 10, MaxPromptTokens: 14}}
	got = s.buildPrompt(p, history, "now")
	assert.NotContains(t, got, "one")
	assert.NotContains(t, got, "two")
	assert.True(t, strings.HasSuffix(got, "User: now"))
	assert.Contains(t, got, "three three three")

	s.limits.MaxPromptTokens = 3
	assert.Equal(t, "now", s.buildPrompt(p, history, "now"))
}
