package e2e_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionstream/citest/testutil"
	"github.com/opencode-ai/sessionstream/internal/server"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

var _ = Describe("Message Workflows", func() {
	var (
		sessions *testutil.SessionManager
		events   *testutil.SSEClient
		id       string
	)

	BeforeEach(func() {
		sessions = testutil.NewSessionManager(client, agent)
		state, err := sessions.Create(ctx, "Chat")
		Expect(err).NotTo(HaveOccurred())
		id = state.SessionID

		events = testServer.SSEClient()
		Expect(events.Connect(ctx, "/event?sessionID="+id)).To(Succeed())
		_, err = events.WaitForEvent(server.EventServerConnected, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		events.Close()
		sessions.Cleanup(ctx)
	})

	Describe("Simple Message Exchange", func() {
		It("should stream the reply and settle idle", func() {
			Expect(client.SendMessage(ctx, id, "hello world")).To(Succeed())

			final, err := events.WaitForState(id, types.StreamIdle, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(final.State.Messages).To(HaveLen(2))
			Expect(final.State.Messages[0].Role).To(Equal(types.RoleUser))
			Expect(final.State.Messages[0].Text()).To(Equal("hello world"))
			Expect(final.State.Messages[1].Role).To(Equal(types.RoleAssistant))
			Expect(final.State.Messages[1].Text()).To(Equal(testutil.Reply("hello world")))

			Expect(final.State.Tokens.Input).To(Equal(int64(2)))
			Expect(final.State.Tokens.Output).To(Equal(int64(3)))

			prompts := agent.Prompts(id)
			Expect(prompts).To(HaveLen(1))
			Expect(prompts[0].Text).To(Equal("hello world"))
		})

		It("should show the reply growing before it completes", func() {
			Expect(client.SendMessage(ctx, id, "one two three four")).To(Succeed())

			_, err := events.WaitForState(id, types.StreamIdle, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())

			var texts []string
			for _, d := range events.Deltas(id) {
				msgs := d.State.Messages
				if len(msgs) == 2 && msgs[1].Role == types.RoleAssistant {
					text := msgs[1].Text()
					if len(texts) == 0 || texts[len(texts)-1] != text {
						texts = append(texts, text)
					}
				}
			}
			Expect(len(texts)).To(BeNumerically(">", 1))
			Expect(texts[len(texts)-1]).To(Equal(testutil.Reply("one two three four")))

			states := testutil.NewEventMatcher(events.GetAllEvents()).States(id)
			Expect(states).To(Equal([]types.StreamState{types.StreamStreaming, types.StreamIdle}))
		})

		It("should carry history into the next turn", func() {
			Expect(client.SendMessage(ctx, id, "first")).To(Succeed())
			_, err := events.WaitForState(id, types.StreamIdle, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(client.SendMessage(ctx, id, "second")).To(Succeed())
			_, err = events.WaitForState(id, types.StreamStreaming, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())
			final, err := events.WaitForState(id, types.StreamIdle, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(final.State.Messages).To(HaveLen(4))
			Expect(final.State.Messages[3].Text()).To(Equal(testutil.Reply("second")))
			Expect(final.State.Tokens.Output).To(Equal(int64(2)))
			Expect(final.State.Tokens.CumulativeOutput).To(Equal(int64(4)))
		})

		It("should reload the agent's history after a reply", func() {
			Expect(client.SendMessage(ctx, id, "remember me")).To(Succeed())
			_, err := events.WaitForState(id, types.StreamIdle, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())

			state, err := client.LoadSession(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Messages).To(HaveLen(2))
			Expect(state.Messages[1].Text()).To(Equal(testutil.Reply("remember me")))
			Expect(state.Tokens.CumulativeOutput).To(Equal(int64(3)))
		})
	})

	Describe("Agent Errors", func() {
		It("should surface a session error from the agent", func() {
			Expect(client.SendMessage(ctx, id, testutil.PromptFail+" please")).To(Succeed())

			final, err := events.WaitForState(id, types.StreamError, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.State.Error).To(ContainSubstring("ProviderAuthError"))

			state, err := client.GetSession(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.StreamState).To(Equal(types.StreamError))
		})

		It("should accept a new message after an error", func() {
			Expect(client.SendMessage(ctx, id, testutil.PromptFail)).To(Succeed())
			_, err := events.WaitForState(id, types.StreamError, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(client.SendMessage(ctx, id, "retry")).To(Succeed())
			final, err := events.WaitForState(id, types.StreamIdle, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.State.Error).To(BeEmpty())
		})
	})

	Describe("Abort", func() {
		It("should stop a running reply and abort the agent turn", func() {
			Expect(client.SendMessage(ctx, id, testutil.PromptHang)).To(Succeed())
			_, err := events.WaitForState(id, types.StreamStreaming, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int { return len(agent.Prompts(id)) }, 5*time.Second).Should(Equal(1))

			Expect(client.AbortSession(ctx, id)).To(Succeed())

			final, err := events.WaitForState(id, types.StreamIdle, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.State.Messages).To(HaveLen(1))
			Eventually(func() int { return agent.Aborts(id) }, 5*time.Second).Should(Equal(1))
		})

		It("should replace a running reply with a newer message", func() {
			Expect(client.SendMessage(ctx, id, testutil.PromptHang)).To(Succeed())
			_, err := events.WaitForState(id, types.StreamStreaming, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(client.SendMessage(ctx, id, "never mind")).To(Succeed())
			final, err := events.WaitForDelta(id, func(p *server.DeltaProperties) bool {
				msgs := p.State.Messages
				return p.State.StreamState == types.StreamIdle &&
					len(msgs) > 0 && msgs[len(msgs)-1].Text() == testutil.Reply("never mind")
			}, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.State.Error).To(BeEmpty())
			Eventually(func() int { return agent.Aborts(id) }, 5*time.Second).Should(Equal(1))
		})

		It("should be a no-op when nothing is streaming", func() {
			Expect(client.AbortSession(ctx, id)).To(Succeed())
			state, err := client.GetSession(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.StreamState).To(Equal(types.StreamIdle))
		})
	})

	Describe("Validation", func() {
		It("should reject an empty message", func() {
			err := client.SendMessage(ctx, id, "")
			Expect(testutil.StatusOf(err)).To(Equal(http.StatusBadRequest))
		})

		It("should reject a message for an untracked session", func() {
			err := client.SendMessage(ctx, "ses_missing", "hello")
			Expect(testutil.StatusOf(err)).To(Equal(http.StatusNotFound))
		})
	})
})
