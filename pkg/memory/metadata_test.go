package memory_test

import (
	"encoding/json"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/mnemo/pkg/memory"
)

var _ = Describe("Metadata", func() {
	Describe("round-tripping", func() {
		It("lifts known keys into typed fields", func() {
			parent := uuid.New()
			cutoff := uuid.New()
			raw := `{
				"role": "assistant",
				"seq": 7,
				"done": true,
				"tool_name": "search",
				"thinking": "hmm",
				"forked_from": "` + parent.String() + `",
				"forked_at": "` + cutoff.String() + `"
			}`

			var meta memory.Metadata
			Expect(json.Unmarshal([]byte(raw), &meta)).To(Succeed())

			Expect(meta.Role).To(Equal(memory.RoleAssistant))
			Expect(meta.Seq).To(Equal(7))
			Expect(meta.DoneSet()).To(BeTrue())
			Expect(meta.ToolName).To(Equal("search"))
			Expect(meta.Thinking).To(Equal("hmm"))
			Expect(meta.ForkedFrom).To(HaveValue(Equal(parent)))
			Expect(meta.ForkedAt).To(HaveValue(Equal(cutoff)))
		})

		It("passes unknown keys through Extra opaquely", func() {
			raw := `{"role":"user","embedding":[0.1,0.2],"custom":{"a":1}}`

			var meta memory.Metadata
			Expect(json.Unmarshal([]byte(raw), &meta)).To(Succeed())
			Expect(meta.Extra).To(HaveKey("embedding"))
			Expect(meta.Extra).To(HaveKey("custom"))

			out, err := json.Marshal(meta)
			Expect(err).NotTo(HaveOccurred())

			var reparsed map[string]json.RawMessage
			Expect(json.Unmarshal(out, &reparsed)).To(Succeed())
			Expect(reparsed).To(HaveKey("embedding"))
			Expect(reparsed).To(HaveKey("custom"))
			Expect(reparsed).To(HaveKey("role"))
		})

		It("distinguishes absent done from explicit false", func() {
			var absent memory.Metadata
			Expect(json.Unmarshal([]byte(`{"role":"user"}`), &absent)).To(Succeed())
			Expect(absent.Done).To(BeNil())

			var explicit memory.Metadata
			Expect(json.Unmarshal([]byte(`{"role":"user","done":false}`), &explicit)).To(Succeed())
			Expect(explicit.Done).NotTo(BeNil())
			Expect(explicit.DoneSet()).To(BeFalse())
		})

		It("omits zero-valued fields when marshaling", func() {
			out, err := json.Marshal(memory.Metadata{Role: memory.RoleUser})
			Expect(err).NotTo(HaveOccurred())

			var parsed map[string]json.RawMessage
			Expect(json.Unmarshal(out, &parsed)).To(Succeed())
			Expect(parsed).To(HaveLen(1))
			Expect(parsed).To(HaveKey("role"))
		})

		It("rejects a malformed known key", func() {
			var meta memory.Metadata
			err := json.Unmarshal([]byte(`{"seq":"not-a-number"}`), &meta)
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Message", func() {
	Describe("Blank", func() {
		It("drops empty streaming artifacts", func() {
			Expect(memory.Message{Role: memory.RoleAssistant}.Blank()).To(BeTrue())
		})

		It("keeps messages with content", func() {
			Expect(memory.Message{Content: "hi"}.Blank()).To(BeFalse())
		})

		It("keeps messages with tool calls", func() {
			m := memory.Message{ToolCalls: []memory.ToolCall{{}}}
			Expect(m.Blank()).To(BeFalse())
		})

		It("keeps messages with an explicit done flag", func() {
			done := false
			Expect(memory.Message{Done: &done}.Blank()).To(BeFalse())
		})
	})
})

var _ = Describe("IDBefore", func() {
	It("treats UUIDv7 byte order as creation order, cutoff inclusive", func() {
		first, err := uuid.NewV7()
		Expect(err).NotTo(HaveOccurred())
		second, err := uuid.NewV7()
		Expect(err).NotTo(HaveOccurred())

		Expect(memory.IDBefore(first, second)).To(BeTrue())
		Expect(memory.IDBefore(second, first)).To(BeFalse())
		Expect(memory.IDBefore(first, first)).To(BeTrue())
	})
})

var _ = Describe("Role", func() {
	It("accepts the closed role set", func() {
		for _, r := range []memory.Role{memory.RoleUser, memory.RoleAssistant, memory.RoleSystem, memory.RoleTool} {
			Expect(r.Valid()).To(BeTrue())
		}
	})

	It("rejects anything else", func() {
		Expect(memory.Role("narrator").Valid()).To(BeFalse())
		Expect(memory.Role("").Valid()).To(BeFalse())
	})
})
