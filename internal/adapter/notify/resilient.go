package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"arbiter/internal/domain"
)

// Resilient wraps a Notifier with a rate limiter and a circuit breaker, so a
// slow or failing delivery provider cannot stall or flood a sweep run.
type Resilient struct {
	inner   domain.Notifier
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
}

// NewResilient wraps inner. ratePerSecond/burst bound send throughput; the
// breaker opens after consecutive delivery failures and probes again after a
// cool-down.
func NewResilient(inner domain.Notifier, ratePerSecond float64, burst int, logger *slog.Logger) *Resilient {
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "notifier",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notifier breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return &Resilient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		breaker: breaker,
		logger:  logger,
	}
}

func (r *Resilient) Send(ctx context.Context, n domain.Notification) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.NewDomainError("Resilient.Send", domain.ErrNotifySend, err.Error())
	}
	_, err := r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.inner.Send(ctx, n)
	})
	if err != nil {
		return domain.NewDomainError("Resilient.Send", domain.ErrNotifySend, err.Error())
	}
	return nil
}
