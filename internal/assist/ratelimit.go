package assist

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Collaborator with a token bucket so concurrent
// workers cannot flood the backing service.
type RateLimited struct {
	inner   Collaborator
	limiter *rate.Limiter
}

// NewRateLimited caps the wrapped collaborator at rps with the given burst.
func NewRateLimited(inner Collaborator, rps float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) Classify(ctx context.Context, req ClassifyRequest) (Classification, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Classification{}, err
	}
	return r.inner.Classify(ctx, req)
}

func (r *RateLimited) GenerateDraft(ctx context.Context, req DraftRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.GenerateDraft(ctx, req)
}

func (r *RateLimited) ReworkDraft(ctx context.Context, req ReworkRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.ReworkDraft(ctx, req)
}
