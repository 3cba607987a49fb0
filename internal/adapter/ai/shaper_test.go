package ai

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

const testHook = "🔮 Unlock the full reading to learn more."

func newTestShaper() *Shaper {
	return NewShaper(ShaperConfig{Closers: []string{"🔮", "✨"}, Hook: testHook})
}

func TestEnsureComplete_Scenarios(t *testing.T) {
	t.Parallel()
	long := "The moon in your dream stands for intuition and the quiet parts of yourself that rarely speak aloud."
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no terminator short", "The stars reveal much", "The stars reveal much..."},
		{"period", "The stars reveal much.", "The stars reveal much."},
		{"question", "Do you feel it?", "Do you feel it?"},
		{"exclamation", "Trust it!", "Trust it!"},
		{"unicode ellipsis", "And yet…", "And yet…"},
		{"ascii ellipsis", "And yet...", "And yet..."},
		{"closer emoji", "Your path is bright 🔮", "Your path is bright 🔮"},
		{"closer with variation selector", "Your path is bright ✨️", "Your path is bright ✨️"},
		{"closing quote", `She whispered "go."`, `She whispered "go."`},
		{"trailing whitespace", "Rest now.  \n", "Rest now."},
		{"reconstructs long", long + " And then the water began to", long},
		{"short reconstruction falls back", "Yes. And then the water began to", "Yes. And then the water began to..."},
		{"code fence", "```\nThe stars reveal much\n```", "The stars reveal much..."},
		{"code fence with lang", "```text\nAll is well.\n```", "All is well."},
		{"empty", "   ", ""},
	}
	s := newTestShaper()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, s.EnsureComplete(tt.in))
		})
	}
}

func TestEnsureComplete_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestShaper()
	inputs := []string{
		"The stars reveal much",
		"The stars reveal much.",
		"One sentence here. Another one that trails",
		strings.Repeat("A long and winding sentence about fate and fortune. ", 4) + "And a partial",
		"```json\n{\"a\": 1}\n```",
		"````weird``` fences `` everywhere",
		"Ends with emoji 🔮",
		"Ends with quote.\"",
		"…",
		"",
		"?!",
		"Numbers like 3.5 and 4",
		"Born on 12.05.1990 and still",
		"“Rest.” “Go.” and then",
	}
	for _, in := range inputs {
		once := s.EnsureComplete(in)
		assert.Equal(t, once, s.EnsureComplete(once), "input %q", in)
	}
}

func TestEnsureComplete_NeverLengthensBeyondMarker(t *testing.T) {
	t.Parallel()
	s := newTestShaper()
	in := strings.Repeat("Your dream speaks of change and renewal in every season. ", 3) + "The final thought is"
	out := s.EnsureComplete(in)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), utf8.RuneCountInString(in)+len(ellipsis))
}

func TestMakeTeaser_FirstThreeSentencesAndHook(t *testing.T) {
	t.Parallel()
	s := newTestShaper()
	in := "First insight. Second insight! Third insight? Fourth insight. Fifth insight."
	out := s.MakeTeaser(in)
	assert.True(t, strings.HasSuffix(out, testHook))
	assert.Contains(t, out, "First insight.")
	assert.Contains(t, out, "Second insight!")
	assert.Contains(t, out, "Third insight?")
	assert.NotContains(t, out, "Fourth")
	assert.NotContains(t, out, "Fifth")
	assert.Equal(t, "First insight. Second insight! Third insight?\n\n"+testHook, out)
}

func TestMakeTeaser_AlwaysEndsWithHook(t *testing.T) {
	t.Parallel()
	s := newTestShaper()
	inputs := []string{
		"",
		"no punctuation at all",
		"One.",
		"```\ncode only\n```",
		strings.Repeat("word ", 2000),
		strings.Repeat("Sentence. ", 50),
		"Ends mid way through a",
	}
	for _, in := range inputs {
		out := s.MakeTeaser(in)
		assert.True(t, strings.HasSuffix(out, testHook), "input %q", in)
		// bounded: cap + ellipsis + separator + hook
		assert.LessOrEqual(t, utf8.RuneCountInString(out), 600+len(ellipsis)+2+utf8.RuneCountInString(testHook))
	}
}

func TestMakeTeaser_AppendsEllipsisToUnterminatedFragment(t *testing.T) {
	t.Parallel()
	s := newTestShaper()
	out := s.MakeTeaser("The cards speak of")
	assert.Equal(t, "The cards speak of...\n\n"+testHook, out)
	assert.Equal(t, testHook, s.MakeTeaser("   "))
}

func TestShaper_NumbersAndQuotesStayIntact(t *testing.T) {
	t.Parallel()
	s := NewShaper(ShaperConfig{Hook: testHook, MinViableLength: 20})

	date := "Born on 12.05.1990, you carry the number 9. It speaks of service. It asks for patience. It ends in rest."
	assert.Equal(t,
		"Born on 12.05.1990, you carry the number 9. It speaks of service. It asks for patience.\n\n"+testHook,
		s.MakeTeaser(date))

	quoted := "“Rest.” “Go.” “Stay.” “Leave.”"
	assert.Equal(t, "“Rest.” “Go.” “Stay.”\n\n"+testHook, s.MakeTeaser(quoted))

	multiline := "First line.\nSecond line.\nThird line.\nFourth line."
	assert.Equal(t, "First line.\nSecond line.\nThird line.\n\n"+testHook, s.MakeTeaser(multiline))

	decimal := "The numbers around you speak of steady growth. Trust the rhythm around you and the value 3.14 shows it"
	full := s.Shape(decimal, domain.AccessFull)
	assert.Equal(t, "The numbers around you speak of steady growth.", full.Text)
	assert.True(t, full.IsComplete)
	assert.NotContains(t, full.Text, "3.")

	onlyDecimal := s.Shape("Your lucky value is 3.14 and it grows", domain.AccessFull)
	assert.Equal(t, "Your lucky value is 3.14 and it grows...", onlyDecimal.Text)
	assert.False(t, onlyDecimal.IsComplete)
}

func TestShape_Levels(t *testing.T) {
	t.Parallel()
	s := newTestShaper()

	full := s.Shape("All is well.", domain.AccessFull)
	assert.Equal(t, domain.AccessFull, full.AccessLevel)
	assert.True(t, full.IsComplete)
	assert.Equal(t, "All is well.", full.Text)

	cut := s.Shape("All is", domain.AccessFull)
	assert.False(t, cut.IsComplete)
	assert.Equal(t, "All is...", cut.Text)

	teaser := s.Shape("One. Two. Three. Four.", domain.AccessTeaser)
	assert.Equal(t, domain.AccessTeaser, teaser.AccessLevel)
	assert.False(t, teaser.IsComplete)
	assert.True(t, strings.HasSuffix(teaser.Text, testHook))
}

func TestNewPersonaShaper(t *testing.T) {
	t.Parallel()
	cat, err := config.LoadPersonas("")
	require.NoError(t, err)
	p, ok := cat.Get("dreams")
	require.True(t, ok)
	s := NewPersonaShaper(p)
	assert.Equal(t, "Sweet dreams 🌙", s.EnsureComplete("Sweet dreams 🌙"))
	assert.True(t, strings.HasSuffix(s.MakeTeaser("A. B. C. D."), p.TeaserHook))
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "hello", truncateRunes("hello world", 8))
	assert.Equal(t, "hello", truncateRunes("hello, world", 8))
	assert.Equal(t, "abcdefgh", truncateRunes("abcdefghijk", 8))
}
