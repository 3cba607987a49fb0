package usecase

import (
	"strings"

	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// buildPrompt renders the recent conversation followed by the new message.
// History is capped by count, then the oldest turns are dropped until the
// prompt fits the token budget. The new message is always kept.
func (s *AdvisorService) buildPrompt(p config.Persona, history []domain.ChatMessage, msg string) string {
	if n := s.limits.MaxHistoryMessages; len(history) > n {
		history = history[len(history)-n:]
	}
	kept := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) != "" {
			kept = append(kept, m)
		}
	}
	prompt := renderPrompt(kept, msg)
	if s.Counter == nil || s.limits.MaxPromptTokens <= 0 || len(p.Models) == 0 {
		return prompt
	}
	model := p.Models[0]
	budget := s.limits.MaxPromptTokens - s.Counter.Count(p.SystemPrompt, model)
	for len(kept) > 0 && s.Counter.Count(prompt, model) > budget {
		kept = kept[1:]
		prompt = renderPrompt(kept, msg)
	}
	return prompt
}

func renderPrompt(history []domain.ChatMessage, msg string) string {
	if len(history) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range history {
		b.WriteString(roleLabel(m.Role))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteByte('\n')
	}
	b.WriteString("\nUser: ")
	b.WriteString(msg)
	return b.String()
}

func roleLabel(role string) string {
	switch strings.ToLower(role) {
	case "assistant", "model", "advisor":
		return "Advisor"
	default:
		return "User"
	}
}
