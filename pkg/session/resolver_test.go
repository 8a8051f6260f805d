package session_test

import (
	"context"
	"errors"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/mnemo/pkg/graph"
	"github.com/papercomputeco/mnemo/pkg/memory"
	"github.com/papercomputeco/mnemo/pkg/session"
	"github.com/papercomputeco/mnemo/pkg/storage"
	"github.com/papercomputeco/mnemo/pkg/storage/inmemory"
)

// forkRewriter wraps a driver and rewrites one session's fork pointer,
// letting tests manufacture fork cycles the accessor would never create.
type forkRewriter struct {
	storage.Driver
	rewrite map[uuid.UUID]uuid.UUID
}

func (f *forkRewriter) GetNode(ctx context.Context, id uuid.UUID, includeDeleted bool) (*memory.Node, error) {
	node, err := f.Driver.GetNode(ctx, id, includeDeleted)
	if err != nil {
		return nil, err
	}
	if target, ok := f.rewrite[id]; ok {
		t := target
		node.Meta.ForkedFrom = &t
	}
	return node, nil
}

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		driver   *inmemory.Driver
		accessor *graph.Accessor
		resolver *session.Resolver
		owner    uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		accessor = graph.NewAccessor(driver, nil)
		resolver = session.NewResolver(driver, nil)
		owner = uuid.New()
	})

	Describe("MaterializeHistory", func() {
		It("returns a simple conversation oldest first", func() {
			s1, err := accessor.CreateSession(ctx, owner, "chat")
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendHistory(ctx, s1, owner, memory.RoleUser, "Hi", memory.Metadata{Seq: 1})
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendHistory(ctx, s1, owner, memory.RoleAssistant, "Hello!", memory.Metadata{Seq: 2})
			Expect(err).NotTo(HaveOccurred())

			messages, err := resolver.MaterializeHistory(ctx, s1)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(2))
			Expect(messages[0].Role).To(Equal(memory.RoleUser))
			Expect(messages[0].Content).To(Equal("Hi"))
			Expect(messages[1].Role).To(Equal(memory.RoleAssistant))
			Expect(messages[1].Content).To(Equal("Hello!"))
		})

		It("keeps consolidated turns ahead of later direct appends", func() {
			s1, err := accessor.CreateSession(ctx, owner, "chat")
			Expect(err).NotTo(HaveOccurred())
			frag, err := accessor.AppendPartial(ctx, s1, owner, memory.RoleUser, "Hel", 1, false, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())
			anchor, err := accessor.AppendPartial(ctx, s1, owner, memory.RoleUser, "lo", 2, true, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())

			// Promote the run the way a consolidation pass would; the
			// anchor keeps its fragment seq.
			ok, err := driver.PromoteGroup(ctx, anchor, "Hello", []uuid.UUID{frag})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			// A direct append carries seq zero but a newer id.
			_, err = accessor.AppendHistory(ctx, s1, owner, memory.RoleAssistant, "Hi there", memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())

			messages, err := resolver.MaterializeHistory(ctx, s1)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(2))
			Expect(messages[0].Content).To(Equal("Hello"))
			Expect(messages[1].Content).To(Equal("Hi there"))
		})

		It("applies the fork cutoff inclusively and ignores later parent writes", func() {
			s1, err := accessor.CreateSession(ctx, owner, "chat")
			Expect(err).NotTo(HaveOccurred())
			m1, err := accessor.AppendHistory(ctx, s1, owner, memory.RoleUser, "Hi", memory.Metadata{Seq: 1})
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendHistory(ctx, s1, owner, memory.RoleAssistant, "Hello!", memory.Metadata{Seq: 2})
			Expect(err).NotTo(HaveOccurred())

			s2, err := accessor.ForkSession(ctx, s1, owner, &m1)
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendHistory(ctx, s2, owner, memory.RoleUser, "New branch", memory.Metadata{Seq: 1})
			Expect(err).NotTo(HaveOccurred())

			// Appended to the parent after the fork, invisible to s2.
			_, err = accessor.AppendHistory(ctx, s1, owner, memory.RoleAssistant, "Ignored", memory.Metadata{Seq: 3})
			Expect(err).NotTo(HaveOccurred())

			messages, err := resolver.MaterializeHistory(ctx, s2)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(2))
			Expect(messages[0].Content).To(Equal("Hi"))
			Expect(messages[1].Content).To(Equal("New branch"))
		})

		It("walks multi-level fork chains back to the root", func() {
			root, err := accessor.CreateSession(ctx, owner, "root")
			Expect(err).NotTo(HaveOccurred())
			m1, err := accessor.AppendHistory(ctx, root, owner, memory.RoleUser, "a", memory.Metadata{Seq: 1})
			Expect(err).NotTo(HaveOccurred())

			mid, err := accessor.ForkSession(ctx, root, owner, &m1)
			Expect(err).NotTo(HaveOccurred())
			m2, err := accessor.AppendHistory(ctx, mid, owner, memory.RoleAssistant, "b", memory.Metadata{Seq: 1})
			Expect(err).NotTo(HaveOccurred())

			leaf, err := accessor.ForkSession(ctx, mid, owner, &m2)
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendHistory(ctx, leaf, owner, memory.RoleUser, "c", memory.Metadata{Seq: 1})
			Expect(err).NotTo(HaveOccurred())

			messages, err := resolver.MaterializeHistory(ctx, leaf)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(3))
			Expect(messages[0].Content).To(Equal("a"))
			Expect(messages[1].Content).To(Equal("b"))
			Expect(messages[2].Content).To(Equal("c"))
		})

		It("excludes blank messages and raw partials", func() {
			s1, err := accessor.CreateSession(ctx, owner, "chat")
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendHistory(ctx, s1, owner, memory.RoleUser, "", memory.Metadata{Seq: 1})
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendHistory(ctx, s1, owner, memory.RoleUser, "real", memory.Metadata{Seq: 2})
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendPartial(ctx, s1, owner, memory.RoleAssistant, "streaming...", 3, false, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())

			messages, err := resolver.MaterializeHistory(ctx, s1)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(1))
			Expect(messages[0].Content).To(Equal("real"))
		})

		It("excludes tombstoned messages", func() {
			s1, err := accessor.CreateSession(ctx, owner, "chat")
			Expect(err).NotTo(HaveOccurred())
			dead, err := accessor.AppendHistory(ctx, s1, owner, memory.RoleUser, "oops", memory.Metadata{Seq: 1})
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendHistory(ctx, s1, owner, memory.RoleUser, "kept", memory.Metadata{Seq: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.TombstoneNode(ctx, dead)).To(Succeed())

			messages, err := resolver.MaterializeHistory(ctx, s1)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(1))
			Expect(messages[0].Content).To(Equal("kept"))
		})

		It("surfaces an unknown session as not found", func() {
			_, err := resolver.MaterializeHistory(ctx, uuid.New())
			var nf storage.NotFoundError
			Expect(errors.As(err, &nf)).To(BeTrue())
		})

		It("detects fork cycles instead of looping", func() {
			a, err := accessor.CreateSession(ctx, owner, "a")
			Expect(err).NotTo(HaveOccurred())
			b, err := accessor.ForkSession(ctx, a, owner, nil)
			Expect(err).NotTo(HaveOccurred())

			cyclic := &forkRewriter{Driver: driver, rewrite: map[uuid.UUID]uuid.UUID{a: b}}
			r := session.NewResolver(cyclic, nil)

			_, err = r.MaterializeHistory(ctx, b)
			var ierr storage.DataIntegrityError
			Expect(errors.As(err, &ierr)).To(BeTrue())
		})
	})

	Describe("PeekPartials", func() {
		It("returns live fragments in order, including blanks", func() {
			s1, err := accessor.CreateSession(ctx, owner, "chat")
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendPartial(ctx, s1, owner, memory.RoleAssistant, "Hel", 1, false, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())
			_, err = accessor.AppendPartial(ctx, s1, owner, memory.RoleAssistant, "lo", 2, false, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())

			partials, err := resolver.PeekPartials(ctx, s1)
			Expect(err).NotTo(HaveOccurred())
			Expect(partials).To(HaveLen(2))
			Expect(partials[0].Content).To(Equal("Hel"))
			Expect(partials[1].Content).To(Equal("lo"))
		})
	})

	Describe("SessionOf", func() {
		It("follows the membership edge", func() {
			s1, err := accessor.CreateSession(ctx, owner, "chat")
			Expect(err).NotTo(HaveOccurred())
			msg, err := accessor.AppendHistory(ctx, s1, owner, memory.RoleUser, "hi", memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())

			sessionID, err := resolver.SessionOf(ctx, msg)
			Expect(err).NotTo(HaveOccurred())
			Expect(sessionID).To(Equal(s1))
		})

		It("returns nil for nodes without membership", func() {
			orphan, err := driver.CreateNode(ctx, memory.KindEntity, "x", owner, memory.Metadata{})
			Expect(err).NotTo(HaveOccurred())

			sessionID, err := resolver.SessionOf(ctx, orphan)
			Expect(err).NotTo(HaveOccurred())
			Expect(sessionID).To(Equal(uuid.Nil))
		})
	})
})
