package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// ProviderRouter dispatches a model id to the generator registered for its
// prefix ("openrouter/", "stub/"), stripping the prefix. Models without a
// matching prefix go to the default generator.
type ProviderRouter struct {
	routes   []route
	fallback domain.TextGenerator
}

type route struct {
	prefix string
	gen    domain.TextGenerator
}

// NewProviderRouter creates a router with an optional default generator.
func NewProviderRouter(fallback domain.TextGenerator) *ProviderRouter {
	return &ProviderRouter{fallback: fallback}
}

// Register binds a model prefix to a generator. Longer prefixes win.
func (r *ProviderRouter) Register(prefix string, gen domain.TextGenerator) {
	r.routes = append(r.routes, route{prefix: prefix, gen: gen})
	sort.SliceStable(r.routes, func(i, j int) bool { return len(r.routes[i].prefix) > len(r.routes[j].prefix) })
}

// Generate implements domain.TextGenerator.
func (r *ProviderRouter) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	for _, rt := range r.routes {
		if strings.HasPrefix(req.Model, rt.prefix) {
			req.Model = strings.TrimPrefix(req.Model, rt.prefix)
			return rt.gen.Generate(ctx, req)
		}
	}
	if r.fallback == nil {
		return "", fmt.Errorf("no provider registered for model %q", req.Model)
	}
	return r.fallback.Generate(ctx, req)
}
