package collab

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// defaultWordList is the built-in English word pool the embedded WordSource
// draws from when no external word service is configured.
var defaultWordList = []string{
	"the", "quick", "brown", "fox", "jumps", "over", "lazy", "dog", "pack",
	"my", "box", "with", "five", "dozen", "liquor", "jugs", "how", "vexingly",
	"quick", "daft", "zebras", "jump", "sphinx", "of", "black", "quartz",
	"judge", "my", "vow", "waltz", "bad", "nymph", "for", "which", "grog",
	"blew", "five", "boxing", "wizards", "jump", "quickly", "amazingly",
	"few", "discotheques", "provide", "jukeboxes", "crazy", "fredrick",
	"bought", "many", "very", "exquisite", "opal", "jewels", "keep", "calm",
	"and", "carry", "on", "practice", "makes", "perfect", "typing", "speed",
	"accuracy", "matters", "more", "than", "raw", "velocity", "every", "time",
}

// EmbeddedWordSource is the reference WordSource: a fixed local word pool
// sampled uniformly at random, with replacement, per request. Production deployments supply their own WordSource
// (e.g. backed by curated word lists per language).
type EmbeddedWordSource struct {
	mu   sync.Mutex
	rng  *rand.Rand
	pool []string
}

// NewEmbeddedWordSource builds a WordSource seeded deterministically so test
// runs are reproducible; production wiring should reseed from a real source
// of entropy.
func NewEmbeddedWordSource(seed int64) *EmbeddedWordSource {
	return &EmbeddedWordSource{
		rng:  rand.New(rand.NewSource(seed)),
		pool: defaultWordList,
	}
}

// Fetch implements WordSource. It returns exactly count tokens in either
// mode; for mode=time the caller asks for a count generous enough that the
// player is unlikely to reach the end before the clock runs out.
func (s *EmbeddedWordSource) Fetch(ctx context.Context, req WordRequest) ([]string, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("word source: count must be positive, got %d", req.Count)
	}
	if len(s.pool) == 0 {
		return nil, fmt.Errorf("word source: no word lists available")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, req.Count)
	for i := range out {
		out[i] = s.pool[s.rng.Intn(len(s.pool))]
	}
	return out, nil
}
