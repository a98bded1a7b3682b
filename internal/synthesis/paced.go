package synthesis

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/antoniostano/narrate/internal/conversion"
)

// Paced spaces calls to the wrapped client with a shared token bucket.
type Paced struct {
	next    Client
	limiter *rate.Limiter
}

// NewPaced allows rps calls per second with the given burst. A non-positive
// rps returns next unchanged.
func NewPaced(next Client, rps float64, burst int) Client {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &Paced{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *Paced) Synthesize(ctx context.Context, text string, voice conversion.Voice) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTransient, Message: "pacing wait", Err: err}
	}
	return p.next.Synthesize(ctx, text, voice)
}
