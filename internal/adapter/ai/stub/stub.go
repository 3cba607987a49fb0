// Package stub provides a deterministic local text generator for development
// and tests. It never calls the network.
package stub

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

var openings = []string{
	"What you describe carries a quiet but important message.",
	"There is a clear pattern in what you have shared.",
	"This moment points toward a meaningful change.",
}

var middles = []string{
	"It suggests you are ready to let go of something that no longer serves you.",
	"It reflects a part of you that wants more room to grow.",
	"It hints that patience will reward you sooner than you expect.",
}

var closings = []string{
	"Notice how you feel over the next few days. Small signs will confirm the direction.",
	"Give yourself permission to act on it. The first step matters most.",
	"Trust the pace you are moving at. Clarity is already on its way.",
}

// Client returns prose chosen deterministically from the prompt.
type Client struct{}

// New constructs a stub client.
func New() *Client { return &Client{} }

// Generate echoes a fixed, fully punctuated answer.
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Model + "\x00" + req.Prompt))
	sum := int(h.Sum32())
	parts := []string{
		openings[sum%len(openings)],
		middles[(sum/3)%len(middles)],
		closings[(sum/9)%len(closings)],
	}
	return strings.Join(parts, " "), nil
}
