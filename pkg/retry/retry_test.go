package retry_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/mnemo/pkg/retry"
	"github.com/papercomputeco/mnemo/pkg/storage"
)

var _ = Describe("Policy", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	fastPolicy := func(attempts int) retry.Policy {
		return retry.Policy{
			MaxAttempts:    attempts,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		}
	}

	It("returns nil on first success without retrying", func() {
		calls := 0
		err := fastPolicy(4).Do(ctx, func(context.Context) error {
			calls++
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(1))
	})

	It("retries transient errors until success", func() {
		calls := 0
		err := fastPolicy(4).Do(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return storage.TransientError{Err: errors.New("connection reset")}
			}
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(3))
	})

	It("stops immediately on non-retryable errors", func() {
		calls := 0
		boom := errors.New("boom")
		err := fastPolicy(4).Do(ctx, func(context.Context) error {
			calls++
			return boom
		})
		Expect(err).To(MatchError(boom))
		Expect(calls).To(Equal(1))
	})

	It("gives up after max attempts", func() {
		calls := 0
		err := fastPolicy(3).Do(ctx, func(context.Context) error {
			calls++
			return storage.TransientError{Err: errors.New("still down")}
		})
		Expect(err).To(HaveOccurred())
		Expect(calls).To(Equal(3))

		var te storage.TransientError
		Expect(errors.As(err, &te)).To(BeTrue())
	})

	It("respects context cancellation between attempts", func() {
		ctx, cancel := context.WithCancel(ctx)
		cancel()

		err := fastPolicy(4).Do(ctx, func(context.Context) error {
			return storage.TransientError{Err: errors.New("down")}
		})
		Expect(err).To(MatchError(context.Canceled))
	})

	It("honors a custom retryable predicate", func() {
		calls := 0
		policy := retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			Retryable:      func(error) bool { return true },
		}
		err := policy.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("always retried")
		})
		Expect(err).To(HaveOccurred())
		Expect(calls).To(Equal(3))
	})
})

var _ = Describe("Transient", func() {
	It("matches wrapped transient store errors", func() {
		wrapped := storage.TransientError{Err: errors.New("timeout")}
		Expect(retry.Transient(wrapped)).To(BeTrue())
		Expect(retry.Transient(errors.New("other"))).To(BeFalse())
	})
})
