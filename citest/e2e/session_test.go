package e2e_test

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionstream/citest/testutil"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

var _ = Describe("Session Workflows", func() {
	var sessions *testutil.SessionManager

	BeforeEach(func() {
		sessions = testutil.NewSessionManager(client, agent)
	})

	AfterEach(func() {
		sessions.Cleanup(ctx)
	})

	Describe("Basic Session Lifecycle", func() {
		It("should track an initialized session before it is loaded", func() {
			id := agent.AddSession("Fresh")

			state, err := client.InitSession(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, id)

			Expect(state.SessionID).To(Equal(id))
			Expect(state.Session).To(BeNil())
			Expect(state.Messages).To(BeEmpty())
			Expect(state.StreamState).To(Equal(types.StreamIdle))
		})

		It("should load session metadata from the agent", func() {
			state, err := sessions.Create(ctx, "Loaded Session")
			Expect(err).NotTo(HaveOccurred())

			Expect(state.Session).NotTo(BeNil())
			Expect(state.Session.Title).To(Equal("Loaded Session"))
			Expect(state.Session.Directory).To(Equal("/work"))
			Expect(state.StreamState).To(Equal(types.StreamIdle))
		})

		It("should retrieve session by ID", func() {
			created, err := sessions.Create(ctx, "Retrieve Me")
			Expect(err).NotTo(HaveOccurred())

			state, err := client.GetSession(ctx, created.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.SessionID).To(Equal(created.SessionID))
			Expect(state.Session.Title).To(Equal("Retrieve Me"))
		})

		It("should list tracked sessions in ID order", func() {
			a, err := sessions.Create(ctx, "A")
			Expect(err).NotTo(HaveOccurred())
			b, err := sessions.Create(ctx, "B")
			Expect(err).NotTo(HaveOccurred())

			list, err := client.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())

			var ids []string
			for _, s := range list {
				ids = append(ids, s.SessionID)
			}
			Expect(ids).To(Equal([]string{a.SessionID, b.SessionID}))
		})

		It("should stop tracking a deleted session", func() {
			id := agent.AddSession("Doomed")
			_, err := client.InitSession(ctx, id)
			Expect(err).NotTo(HaveOccurred())

			Expect(client.DeleteSession(ctx, id)).To(Succeed())

			_, err = client.GetSession(ctx, id)
			Expect(testutil.StatusOf(err)).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Error Handling", func() {
		It("should return 404 for an untracked session", func() {
			_, err := client.GetSession(ctx, "ses_missing")
			Expect(testutil.StatusOf(err)).To(Equal(http.StatusNotFound))
		})

		It("should return 404 when the agent does not know the session", func() {
			_, err := client.InitSession(ctx, "ses_unknown_to_agent")
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, "ses_unknown_to_agent")

			_, err = client.LoadSession(ctx, "ses_unknown_to_agent")
			Expect(testutil.StatusOf(err)).To(Equal(http.StatusNotFound))
		})

		It("should start tracking a session loaded without init", func() {
			id := agent.AddSession("Loaded Directly")
			state, err := client.LoadSession(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, id)

			Expect(state.Session.Title).To(Equal("Loaded Directly"))
		})

		It("should refuse a message for a session that is not loaded", func() {
			id := agent.AddSession("Not Loaded")
			_, err := client.InitSession(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, id)

			err = client.SendMessage(ctx, id, "hello")
			Expect(testutil.StatusOf(err)).To(Equal(http.StatusConflict))
			Expect(agent.Prompts(id)).To(BeEmpty())
		})
	})

	Describe("Snapshots", func() {
		It("should replace content with a pushed snapshot", func() {
			created, err := sessions.Create(ctx, "Original")
			Expect(err).NotTo(HaveOccurred())

			state, err := client.UpdateSession(ctx, created.SessionID, types.SessionSnapshot{
				Session: types.SessionInfo{ID: created.SessionID, Title: "Renamed"},
				Messages: []types.Message{
					types.NewTextMessage("m1", types.RoleUser, "pushed"),
				},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Session.Title).To(Equal("Renamed"))
			Expect(state.Messages).To(HaveLen(1))
			Expect(state.Messages[0].Text()).To(Equal("pushed"))
		})
	})

	Describe("Eviction", func() {
		It("should evict the least recently updated idle sessions", func() {
			first, err := sessions.Create(ctx, "First")
			Expect(err).NotTo(HaveOccurred())
			second, err := sessions.Create(ctx, "Second")
			Expect(err).NotTo(HaveOccurred())
			third, err := sessions.Create(ctx, "Third")
			Expect(err).NotTo(HaveOccurred())

			evicted, err := client.EvictSessions(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted).To(Equal([]string{first.SessionID, second.SessionID}))

			list, err := client.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].SessionID).To(Equal(third.SessionID))
		})

		It("should reject a negative limit", func() {
			_, err := client.EvictSessions(ctx, -1)
			Expect(testutil.StatusOf(err)).To(Equal(http.StatusBadRequest))
		})
	})
})
