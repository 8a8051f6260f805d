package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/mnemo/pkg/memory"
	"github.com/papercomputeco/mnemo/pkg/storage"
	"github.com/papercomputeco/mnemo/pkg/storage/sqlite"
)

var _ = Describe("Driver", func() {
	var (
		ctx    context.Context
		driver *sqlite.Driver
		owner  uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		driver, err = sqlite.NewDriver(filepath.Join(GinkgoT().TempDir(), "mnemo.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(driver.Close)

		owner = uuid.New()
	})

	Describe("nodes", func() {
		It("creates and reads back a node", func() {
			id, err := driver.CreateNode(ctx, memory.KindSession, "my chat", owner, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())

			node, err := driver.GetNode(ctx, id, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Kind).To(Equal(memory.KindSession))
			Expect(node.Content).To(Equal("my chat"))
			Expect(node.CreatedBy).To(Equal(owner))
		})

		It("requires an owner", func() {
			_, err := driver.CreateNode(ctx, memory.KindSession, "x", uuid.Nil, memory.Metadata{})
			var verr storage.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
		})

		It("round-trips metadata through the JSON column", func() {
			done := true
			meta := memory.Metadata{Role: memory.RoleAssistant, Seq: 3, Done: &done, ToolName: "search"}
			id, err := driver.CreateNode(ctx, memory.KindPartial, "chunk", owner, meta)
			Expect(err).NotTo(HaveOccurred())

			node, err := driver.GetNode(ctx, id, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Meta.Role).To(Equal(memory.RoleAssistant))
			Expect(node.Meta.Seq).To(Equal(3))
			Expect(node.Meta.DoneSet()).To(BeTrue())
			Expect(node.Meta.ToolName).To(Equal("search"))
		})

		It("excludes tombstoned nodes from default reads", func() {
			id, err := driver.CreateNode(ctx, memory.KindHistory, "gone", owner, memory.Metadata{Role: memory.RoleUser})
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.TombstoneNode(ctx, id)).To(Succeed())

			_, err = driver.GetNode(ctx, id, false)
			var nf storage.NotFoundError
			Expect(errors.As(err, &nf)).To(BeTrue())

			node, err := driver.GetNode(ctx, id, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Deleted()).To(BeTrue())
		})

		It("tombstones idempotently and reports unknown ids", func() {
			id, err := driver.CreateNode(ctx, memory.KindHistory, "x", owner, memory.Metadata{Role: memory.RoleUser})
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.TombstoneNode(ctx, id)).To(Succeed())
			Expect(driver.TombstoneNode(ctx, id)).To(Succeed())

			err = driver.TombstoneNode(ctx, uuid.New())
			var nf storage.NotFoundError
			Expect(errors.As(err, &nf)).To(BeTrue())
		})
	})

	Describe("edges", func() {
		var a, b uuid.UUID

		BeforeEach(func() {
			var err error
			a, err = driver.CreateNode(ctx, memory.KindEntity, "a", owner, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())
			b, err = driver.CreateNode(ctx, memory.KindEntity, "b", owner, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects self-referential edges", func() {
			_, err := driver.CreateEdge(ctx, a, a, "related", owner, storage.EdgeOptions{})
			var verr storage.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
		})

		It("upserts on the unique triple", func() {
			first, err := driver.CreateEdge(ctx, a, b, "related", owner, storage.EdgeOptions{})
			Expect(err).NotTo(HaveOccurred())

			second, err := driver.CreateEdge(ctx, a, b, "related", owner, storage.EdgeOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))

			edges, err := driver.QueryEdges(ctx, a, storage.DirectionOutgoing, "related")
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(HaveLen(1))
		})

		It("stores strength and confidence", func() {
			strength := 0.8
			confidence := 0.5
			_, err := driver.CreateEdge(ctx, a, b, "related", owner, storage.EdgeOptions{
				Strength:   &strength,
				Confidence: &confidence,
			})
			Expect(err).NotTo(HaveOccurred())

			edges, err := driver.QueryEdges(ctx, a, storage.DirectionOutgoing, "related")
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(HaveLen(1))
			Expect(edges[0].Strength).To(HaveValue(Equal(0.8)))
			Expect(edges[0].Confidence).To(HaveValue(Equal(0.5)))
		})

		It("filters by direction and relation", func() {
			_, err := driver.CreateEdge(ctx, a, b, "related", owner, storage.EdgeOptions{})
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.CreateEdge(ctx, b, a, "derived", owner, storage.EdgeOptions{})
			Expect(err).NotTo(HaveOccurred())

			incoming, err := driver.QueryEdges(ctx, a, storage.DirectionIncoming, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(incoming).To(HaveLen(1))
			Expect(incoming[0].Relation).To(Equal("derived"))

			none, err := driver.QueryEdges(ctx, a, storage.DirectionOutgoing, "derived")
			Expect(err).NotTo(HaveOccurred())
			Expect(none).To(BeEmpty())
		})
	})

	Describe("session messages", func() {
		var sessionID uuid.UUID

		BeforeEach(func() {
			var err error
			sessionID, err = driver.CreateNode(ctx, memory.KindSession, "chat", owner, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("creates the node and membership edge together", func() {
			id, err := driver.CreateMessage(ctx, sessionID, memory.KindHistory, "hi", owner, memory.Metadata{Role: memory.RoleUser})
			Expect(err).NotTo(HaveOccurred())

			edges, err := driver.QueryEdges(ctx, id, storage.DirectionOutgoing, memory.RelationBelongsTo)
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(HaveLen(1))
			Expect(edges[0].TargetID).To(Equal(sessionID))
		})

		It("orders by seq then id", func() {
			second, err := driver.CreateMessage(ctx, sessionID, memory.KindPartial, "lo", owner, memory.Metadata{Role: memory.RoleUser, Seq: 2})
			Expect(err).NotTo(HaveOccurred())
			first, err := driver.CreateMessage(ctx, sessionID, memory.KindPartial, "Hel", owner, memory.Metadata{Role: memory.RoleUser, Seq: 1})
			Expect(err).NotTo(HaveOccurred())

			nodes, err := driver.SessionNodes(ctx, sessionID, memory.KindPartial)
			Expect(err).NotTo(HaveOccurred())
			Expect(nodes).To(HaveLen(2))
			Expect(nodes[0].ID).To(Equal(first))
			Expect(nodes[1].ID).To(Equal(second))
		})

		It("filters by kind and excludes tombstones", func() {
			hist, err := driver.CreateMessage(ctx, sessionID, memory.KindHistory, "kept", owner, memory.Metadata{Role: memory.RoleUser, Seq: 1})
			Expect(err).NotTo(HaveOccurred())
			dead, err := driver.CreateMessage(ctx, sessionID, memory.KindHistory, "dead", owner, memory.Metadata{Role: memory.RoleUser, Seq: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.TombstoneNode(ctx, dead)).To(Succeed())

			nodes, err := driver.SessionNodes(ctx, sessionID, memory.KindHistory)
			Expect(err).NotTo(HaveOccurred())
			Expect(nodes).To(HaveLen(1))
			Expect(nodes[0].ID).To(Equal(hist))
		})
	})

	Describe("PromoteGroup", func() {
		var sessionID, anchorID, fragID uuid.UUID

		BeforeEach(func() {
			var err error
			sessionID, err = driver.CreateNode(ctx, memory.KindSession, "chat", owner, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())
			fragID, err = driver.CreateMessage(ctx, sessionID, memory.KindPartial, "Hel", owner, memory.Metadata{Role: memory.RoleUser, Seq: 1})
			Expect(err).NotTo(HaveOccurred())
			anchorID, err = driver.CreateMessage(ctx, sessionID, memory.KindPartial, "lo", owner, memory.Metadata{Role: memory.RoleUser, Seq: 2})
			Expect(err).NotTo(HaveOccurred())
		})

		It("promotes the anchor and tombstones the rest", func() {
			ok, err := driver.PromoteGroup(ctx, anchorID, "Hello", []uuid.UUID{fragID})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			anchor, err := driver.GetNode(ctx, anchorID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(anchor.Kind).To(Equal(memory.KindHistory))
			Expect(anchor.Content).To(Equal("Hello"))
			Expect(anchor.Meta.Role).To(Equal(memory.RoleUser))

			_, err = driver.GetNode(ctx, fragID, false)
			var nf storage.NotFoundError
			Expect(errors.As(err, &nf)).To(BeTrue())
		})

		It("is a no-op on an already promoted anchor", func() {
			ok, err := driver.PromoteGroup(ctx, anchorID, "Hello", []uuid.UUID{fragID})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = driver.PromoteGroup(ctx, anchorID, "Hello", []uuid.UUID{fragID})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("WithSessionLock", func() {
		It("serializes concurrent work on the same session", func() {
			sessionID := uuid.New()
			active := 0
			maxActive := 0
			done := make(chan struct{})

			for i := 0; i < 4; i++ {
				go func() {
					defer GinkgoRecover()
					err := driver.WithSessionLock(ctx, sessionID, func(context.Context) error {
						active++
						if active > maxActive {
							maxActive = active
						}
						time.Sleep(time.Millisecond)
						active--
						return nil
					})
					Expect(err).NotTo(HaveOccurred())
					done <- struct{}{}
				}()
			}
			for i := 0; i < 4; i++ {
				Eventually(done).Should(Receive())
			}

			Expect(maxActive).To(Equal(1))
		})
	})
})

var _ = Describe("Queue", func() {
	var (
		ctx    context.Context
		queue  storage.Queue
		driver *sqlite.Driver
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		driver, err = sqlite.NewDriver(filepath.Join(GinkgoT().TempDir(), "mnemo.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(driver.Close)

		queue = driver.Queue()
	})

	It("deduplicates unfinished jobs for the same rec", func() {
		rec := uuid.New()
		Expect(queue.Enqueue(ctx, rec)).To(Succeed())
		Expect(queue.Enqueue(ctx, rec)).To(Succeed())

		jobs, err := queue.ClaimBatch(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].Rec).To(Equal(rec))
		Expect(jobs[0].StartedAt).NotTo(BeNil())
	})

	It("allows re-enqueueing once the previous job finished", func() {
		rec := uuid.New()
		Expect(queue.Enqueue(ctx, rec)).To(Succeed())

		jobs, err := queue.ClaimBatch(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
		Expect(queue.Finish(ctx, jobs[0].ID, nil)).To(Succeed())

		Expect(queue.Enqueue(ctx, rec)).To(Succeed())
		jobs, err = queue.ClaimBatch(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].Rec).To(Equal(rec))
	})

	It("never hands the same job to two claimers", func() {
		Expect(queue.Enqueue(ctx, uuid.New())).To(Succeed())
		Expect(queue.Enqueue(ctx, uuid.New())).To(Succeed())

		first, err := queue.ClaimBatch(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		second, err := queue.ClaimBatch(ctx, 1)
		Expect(err).NotTo(HaveOccurred())

		Expect(first).To(HaveLen(1))
		Expect(second).To(HaveLen(1))
		Expect(first[0].ID).NotTo(Equal(second[0].ID))

		third, err := queue.ClaimBatch(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(third).To(BeEmpty())
	})

	It("keeps finished jobs terminal", func() {
		rec := uuid.New()
		Expect(queue.Enqueue(ctx, rec)).To(Succeed())

		jobs, err := queue.ClaimBatch(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(queue.Finish(ctx, jobs[0].ID, errors.New("boom"))).To(Succeed())

		remaining, err := queue.ClaimBatch(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(BeEmpty())
	})

	It("sweeps abandoned claims back to claimable", func() {
		Expect(queue.Enqueue(ctx, uuid.New())).To(Succeed())

		jobs, err := queue.ClaimBatch(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(1))

		// A zero threshold treats every unfinished claim as abandoned.
		time.Sleep(time.Millisecond)
		swept, err := queue.SweepAbandoned(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(swept).To(Equal(1))

		reclaimed, err := queue.ClaimBatch(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(reclaimed).To(HaveLen(1))
	})
})
