package config

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

//go:embed personas.yaml
var defaultPersonasYAML []byte

// Persona is one advisor configuration. Every knob that used to differ between
// advisors (model order, free limit, minimum lengths, hook text) lives here.
type Persona struct {
	Key             string                  `yaml:"-"`
	Name            string                  `yaml:"name"`
	SystemPrompt    string                  `yaml:"system_prompt"`
	Models          []string                `yaml:"models"`
	FreeLimit       int                     `yaml:"free_limit"`
	MaxAttempts     int                     `yaml:"max_attempts"`
	MinLength       MinLength               `yaml:"min_length"`
	Generation      domain.GenerationParams `yaml:"generation"`
	TeaserHook      string                  `yaml:"teaser_hook"`
	PaywallMessage  string                  `yaml:"paywall_message"`
	ErrorMessage    string                  `yaml:"error_message"`
	Closers         []string                `yaml:"closers"`
	MinViableLength int                     `yaml:"min_viable_length"`
	TeaserSentences int                     `yaml:"teaser_sentences"`
	TeaserMaxRunes  int                     `yaml:"teaser_max_runes"`
}

// MinLength is the minimum accepted provider output per access level.
type MinLength struct {
	Full   int `yaml:"full"`
	Teaser int `yaml:"teaser"`
}

// For returns the minimum length for the given access level.
func (m MinLength) For(level domain.AccessLevel) int {
	if level == domain.AccessTeaser {
		return m.Teaser
	}
	return m.Full
}

// RewardTable is the weighted prize table of the spin mechanic.
type RewardTable struct {
	Prizes []domain.Prize `yaml:"prizes"`
}

// PersonaCatalog is the parsed personas file.
type PersonaCatalog struct {
	Personas map[string]Persona `yaml:"personas"`
	Rewards  RewardTable        `yaml:"rewards"`
}

// Get returns the persona for key.
func (c *PersonaCatalog) Get(key string) (Persona, bool) {
	p, ok := c.Personas[key]
	return p, ok
}

// Keys returns persona keys in stable order.
func (c *PersonaCatalog) Keys() []string {
	keys := make([]string, 0, len(c.Personas))
	for k := range c.Personas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadPersonas reads the catalog from path, or the embedded default when path is empty.
func LoadPersonas(path string) (*PersonaCatalog, error) {
	data := defaultPersonasYAML
	if path != "" {
		b, err := os.ReadFile(path) //nolint:gosec // operator-provided path
		if err != nil {
			return nil, fmt.Errorf("op=config.LoadPersonas: %w", err)
		}
		data = b
	}
	cat, err := ParsePersonas(data)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadPersonas: %w", err)
	}
	return cat, nil
}

// ParsePersonas decodes, defaults and validates a catalog.
func ParsePersonas(data []byte) (*PersonaCatalog, error) {
	var cat PersonaCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	if len(cat.Personas) == 0 {
		return nil, fmt.Errorf("no personas configured")
	}
	for key, p := range cat.Personas {
		p.Key = key
		applyPersonaDefaults(&p)
		if len(p.Models) == 0 {
			return nil, fmt.Errorf("persona %q: models must not be empty", key)
		}
		if p.TeaserHook == "" {
			return nil, fmt.Errorf("persona %q: teaser_hook must not be empty", key)
		}
		cat.Personas[key] = p
	}
	if err := validatePrizes(cat.Rewards.Prizes); err != nil {
		return nil, err
	}
	return &cat, nil
}

func applyPersonaDefaults(p *Persona) {
	if p.Name == "" {
		p.Name = p.Key
	}
	if p.FreeLimit <= 0 {
		p.FreeLimit = 3
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.MinLength.Full <= 0 {
		p.MinLength.Full = 50
	}
	if p.MinLength.Teaser <= 0 {
		p.MinLength.Teaser = p.MinLength.Full
	}
	if p.MinViableLength <= 0 {
		p.MinViableLength = 80
	}
	if p.TeaserSentences <= 0 {
		p.TeaserSentences = 3
	}
	if p.TeaserMaxRunes <= 0 {
		p.TeaserMaxRunes = 600
	}
	if p.ErrorMessage == "" {
		p.ErrorMessage = "Our advisor is taking a short break. Please try again shortly."
	}
	if p.PaywallMessage == "" {
		p.PaywallMessage = "You have used your free messages. Upgrade to keep the conversation going."
	}
}

func validatePrizes(prizes []domain.Prize) error {
	if len(prizes) == 0 {
		return fmt.Errorf("rewards: prize table must not be empty")
	}
	var total float64
	seen := map[string]bool{}
	for _, p := range prizes {
		if p.ID == "" {
			return fmt.Errorf("rewards: prize id must not be empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("rewards: duplicate prize id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Weight < 0 || p.Weight > 1 {
			return fmt.Errorf("rewards: prize %q weight %v out of range", p.ID, p.Weight)
		}
		switch p.Effect.Kind {
		case domain.EffectGrantBonusCredits, domain.EffectGrantBonusSpins:
			if p.Effect.Amount <= 0 {
				return fmt.Errorf("rewards: prize %q needs a positive amount", p.ID)
			}
		case domain.EffectGrantPremium, domain.EffectNoOp:
		default:
			return fmt.Errorf("rewards: prize %q has unknown effect %q", p.ID, p.Effect.Kind)
		}
		total += p.Weight
	}
	if math.Abs(total-1) > 1e-6 {
		return fmt.Errorf("rewards: prize weights sum to %v, want 1", total)
	}
	return nil
}
