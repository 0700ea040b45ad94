// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package verification_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/castline/castline/internal/verification"
)

var _ = Describe("Verification token lifecycle", func() {
	var (
		ctx   context.Context
		c     *clock
		store *verification.MemoryStore
		svc   *verification.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		c = newClock()
		store = verification.NewMemoryStore(verification.WithLogger(discard()))
		svc = newService(store, c)
	})

	It("consumes once, then reports USED, then EXPIRED for a stale token", func() {
		issued, err := svc.Issue(ctx, "user-42", time.Second)
		Expect(err).NotTo(HaveOccurred())
		raw := verification.TokenFromURL(issued.URL)

		res, err := svc.Consume(ctx, raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(verification.Consumed))
		Expect(res.UserID).To(Equal("user-42"))

		res, err = svc.Consume(ctx, raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(verification.Used))

		c.Advance(1500 * time.Millisecond)
		fresh, err := svc.Issue(ctx, "user-42", time.Second)
		Expect(err).NotTo(HaveOccurred())
		c.Advance(1500 * time.Millisecond)

		res, err = svc.Consume(ctx, verification.TokenFromURL(fresh.URL))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(verification.Expired))
	})

	It("reports NOT_FOUND for a token that was never issued", func() {
		raw, _, err := verification.GenerateToken()
		Expect(err).NotTo(HaveOccurred())

		res, err := svc.Consume(ctx, raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(verification.NotFound))
	})

	It("reports NOT_FOUND once a consumed token has been swept", func() {
		issued, err := svc.Issue(ctx, "user-7", time.Hour)
		Expect(err).NotTo(HaveOccurred())
		raw := verification.TokenFromURL(issued.URL)

		res, err := svc.Consume(ctx, raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(verification.Consumed))

		n, err := verification.NewSweeper(store, time.Minute,
			verification.WithSweepClock(c.Now),
			verification.WithSweepLogger(discard())).SweepOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))

		res, err = svc.Consume(ctx, raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(verification.NotFound))
	})
})
