package ai

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fairyhunter13/ai-advisor/internal/config"
	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

const (
	ellipsis          = "..."
	variationSelector = '\uFE0F'
)

// sentence boundary: a terminator run plus any closing quotes or brackets,
// followed by whitespace or the end of the text. Dots inside 12.05.1990 or 3.14 do not match.
var boundaryRe = regexp.MustCompile(`([.!?…]+["'”’)»]*)(?:\s+|$)`)

// ShaperConfig holds the per-persona shaping knobs.
type ShaperConfig struct {
	// Closers are emoji accepted as a valid end of an answer.
	Closers []string
	// Hook is appended to every teaser.
	Hook string
	// MinViableLength is the rune count a reconstructed answer must exceed to be kept.
	MinViableLength int
	TeaserSentences int
	TeaserMaxRunes  int
}

// Shaper turns raw provider output into a presentable answer. All methods are pure.
type Shaper struct {
	cfg ShaperConfig
}

// NewShaper creates a Shaper, filling unset knobs with defaults.
func NewShaper(cfg ShaperConfig) *Shaper {
	if cfg.MinViableLength <= 0 {
		cfg.MinViableLength = 80
	}
	if cfg.TeaserSentences <= 0 {
		cfg.TeaserSentences = 3
	}
	if cfg.TeaserMaxRunes <= 0 {
		cfg.TeaserMaxRunes = 600
	}
	closers := make([]string, 0, len(cfg.Closers))
	for _, c := range cfg.Closers {
		c = strings.TrimRight(strings.TrimSpace(c), string(variationSelector))
		if c != "" {
			closers = append(closers, c)
		}
	}
	cfg.Closers = closers
	return &Shaper{cfg: cfg}
}

// NewPersonaShaper builds the Shaper configured for a persona.
func NewPersonaShaper(p config.Persona) *Shaper {
	return NewShaper(ShaperConfig{
		Closers:         p.Closers,
		Hook:            p.TeaserHook,
		MinViableLength: p.MinViableLength,
		TeaserSentences: p.TeaserSentences,
		TeaserMaxRunes:  p.TeaserMaxRunes,
	})
}

// Shape renders raw at the given access level.
func (s *Shaper) Shape(raw string, level domain.AccessLevel) domain.ShapedResponse {
	if level == domain.AccessTeaser {
		return domain.ShapedResponse{Text: s.MakeTeaser(raw), AccessLevel: domain.AccessTeaser, IsComplete: false}
	}
	text, cut := s.ensureComplete(raw)
	return domain.ShapedResponse{Text: text, AccessLevel: domain.AccessFull, IsComplete: text != "" && !cut}
}

// EnsureComplete makes sure text ends on a sentence boundary. Trailing partial
// sentences are dropped when enough punctuated text remains; otherwise the text
// is marked as cut off with an ellipsis. EnsureComplete(EnsureComplete(x)) == EnsureComplete(x).
func (s *Shaper) EnsureComplete(text string) string {
	out, _ := s.ensureComplete(text)
	return out
}

func (s *Shaper) ensureComplete(text string) (string, bool) {
	t := stripCodeFences(text)
	if t == "" || s.endsWithTerminator(t) {
		return t, false
	}
	var rebuilt string
	if ends := sentenceEnds(t, -1); len(ends) > 0 {
		rebuilt = strings.TrimSpace(t[:ends[len(ends)-1]])
	}
	if utf8.RuneCountInString(rebuilt) > s.cfg.MinViableLength {
		return rebuilt, false
	}
	return t + ellipsis, true
}

// MakeTeaser keeps the first few sentences of text and appends the hook.
func (s *Shaper) MakeTeaser(text string) string {
	t := stripCodeFences(text)
	if ends := sentenceEnds(t, s.cfg.TeaserSentences); len(ends) == s.cfg.TeaserSentences {
		t = t[:ends[len(ends)-1]]
	}
	joined := truncateRunes(strings.TrimSpace(t), s.cfg.TeaserMaxRunes)
	if joined != "" && !s.endsWithTerminator(joined) {
		joined += ellipsis
	}
	if joined == "" {
		return s.cfg.Hook
	}
	return joined + "\n\n" + s.cfg.Hook
}

func (s *Shaper) endsWithTerminator(t string) bool {
	t = strings.TrimRightFunc(t, unicode.IsSpace)
	t = strings.TrimRight(t, string(variationSelector))
	for _, c := range s.cfg.Closers {
		if strings.HasSuffix(t, c) {
			return true
		}
	}
	// a closing quote or bracket right after a terminator still ends the sentence
	t = strings.TrimRight(t, `"'”’)»`)
	r, _ := utf8.DecodeLastRuneInString(t)
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// sentenceEnds returns the byte offsets just past the first n sentence
// terminators of t (all of them when n < 0).
func sentenceEnds(t string, n int) []int {
	matches := boundaryRe.FindAllStringSubmatchIndex(t, n)
	ends := make([]int, 0, len(matches))
	for _, m := range matches {
		ends = append(ends, m[3])
	}
	return ends
}

// stripCodeFences drops fence lines such as ```json and any stray ``` markers.
func stripCodeFences(text string) string {
	if !strings.Contains(text, "```") {
		return strings.TrimSpace(text)
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") && !strings.ContainsAny(strings.TrimPrefix(trimmed, "```"), " \t") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.ReplaceAll(strings.Join(kept, "\n"), "```", ""))
}

// truncateRunes cuts t to at most max runes, on a word boundary when possible.
func truncateRunes(t string, max int) string {
	if max <= 0 || utf8.RuneCountInString(t) <= max {
		return t
	}
	r := []rune(t)[:max]
	cut := string(r)
	if i := strings.LastIndexAny(cut, " \n\t"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRightFunc(cut, func(r rune) bool { return unicode.IsSpace(r) || r == ',' || r == ';' || r == ':' })
}
