package eventstream_test

import (
	"encoding/json"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/mnemo/pkg/eventstream"
)

var _ = Describe("Event", func() {
	It("builds a fully-populated consolidation event", func() {
		sessionID := uuid.New()
		promoted := []uuid.UUID{uuid.New(), uuid.New()}

		event, err := eventstream.NewSessionConsolidatedEvent(sessionID, promoted, 3)
		Expect(err).NotTo(HaveOccurred())

		Expect(event.SchemaVersion).To(Equal(eventstream.SchemaVersionV1))
		Expect(event.EventType).To(Equal(eventstream.EventTypeSessionConsolidated))
		Expect(event.EventID).NotTo(BeEmpty())
		Expect(event.EmittedAt).NotTo(BeZero())
		Expect(event.SessionID).To(Equal(sessionID))
		Expect(event.Promoted).To(Equal(promoted))
		Expect(event.Tombstoned).To(Equal(3))
	})

	It("marshals with expected top-level keys", func() {
		event, err := eventstream.NewSessionConsolidatedEvent(uuid.New(), []uuid.UUID{uuid.New()}, 1)
		Expect(err).NotTo(HaveOccurred())

		payload, err := json.Marshal(event)
		Expect(err).NotTo(HaveOccurred())

		var got map[string]any
		Expect(json.Unmarshal(payload, &got)).To(Succeed())

		Expect(got).To(HaveKey("schema_version"))
		Expect(got).To(HaveKey("event_type"))
		Expect(got).To(HaveKey("event_id"))
		Expect(got).To(HaveKey("emitted_at"))
		Expect(got).To(HaveKey("session_id"))
		Expect(got).To(HaveKey("promoted"))
		Expect(got).To(HaveKey("tombstoned"))
	})

	It("defines stable event constants", func() {
		Expect(eventstream.SchemaVersionV1).To(BeNumerically(">", 0))
		Expect(eventstream.EventTypeSessionConsolidated).To(Equal("mnemo.session.consolidated"))
	})

	It("provides ErrNilEvent for nil payload validation", func() {
		Expect(eventstream.ErrNilEvent).NotTo(BeNil())
		Expect(eventstream.ErrNilEvent).To(MatchError("nil consolidation event"))
	})
})
