package gateway

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultChunkLimit keeps each send under the LoRa payload budget
// (~230 bytes on the wire) so the firmware doesn't silently truncate.
const DefaultChunkLimit = 200

// interChunkDelay spaces multi-chunk sends so the radio queue keeps up.
const interChunkDelay = 1500 * time.Millisecond

// ChunkText splits text into chunks of at most limit runes, preferring to
// break at the last space before the limit. When the best break point sits
// in the first 40% of the chunk it hard-splits at the limit instead.
func ChunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	remaining := runes
	for len(remaining) > 0 {
		if len(remaining) <= limit {
			chunks = append(chunks, strings.TrimRight(string(remaining), " "))
			break
		}
		breakAt := -1
		for i := limit; i >= 0; i-- {
			if remaining[i] == ' ' {
				breakAt = i
				break
			}
		}
		if breakAt <= int(float64(limit)*0.4) {
			breakAt = limit
		}
		chunks = append(chunks, strings.TrimRight(string(remaining[:breakAt]), " "))
		remaining = remaining[breakAt:]
		for len(remaining) > 0 && remaining[0] == ' ' {
			remaining = remaining[1:]
		}
	}
	return chunks
}

// Pacer spaces the chunks of one logical reply. The first chunk goes out
// immediately, each following chunk waits out the inter-chunk delay.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a pacer with the standard inter-chunk delay.
func NewPacer() *Pacer {
	return newPacer(interChunkDelay)
}

func newPacer(delay time.Duration) *Pacer {
	return &Pacer{limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next chunk may be sent.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
