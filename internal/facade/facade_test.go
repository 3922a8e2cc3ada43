package facade_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessionstream/internal/event"
	"github.com/opencode-ai/sessionstream/internal/facade"
	"github.com/opencode-ai/sessionstream/internal/host"
	"github.com/opencode-ai/sessionstream/internal/session"
	"github.com/opencode-ai/sessionstream/internal/transport/transporttest"
	"github.com/opencode-ai/sessionstream/pkg/types"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) record(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) states() []types.StreamState {
	var out []types.StreamState
	for _, ev := range r.all() {
		if ev.Delta.StreamState != nil {
			out = append(out, *ev.Delta.StreamState)
		}
	}
	return out
}

func assistant(id, text string) types.StreamEvent {
	return types.MessageEvent{Message: types.NewTextMessage(id, types.RoleAssistant, text)}
}

var _ = Describe("Facade", func() {
	var (
		ctx      context.Context
		fake     *transporttest.Transport
		pubsub   *gochannel.GoChannel
		f        *facade.Facade
		stopHost context.CancelFunc
		hostDone chan error
	)

	startHost := func() {
		h := host.New(fake, pubsub, pubsub, host.Config{
			CoordinatorOptions: []session.Option{session.WithLoadRetries(0, time.Millisecond)},
		})
		var runCtx context.Context
		runCtx, stopHost = context.WithCancel(context.Background())
		hostDone = make(chan error, 1)
		go func() { hostDone <- h.Run(runCtx) }()
	}

	BeforeEach(func() {
		ctx = context.Background()
		fake = transporttest.New()
		pubsub = gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NopLogger{})

		var err error
		f, err = facade.New(pubsub, pubsub)
		Expect(err).NotTo(HaveOccurred())
		stopHost = nil
	})

	AfterEach(func() {
		if stopHost != nil {
			stopHost()
			Eventually(hostDone, 5*time.Second).Should(Receive(BeNil()))
		}
		Expect(f.Close()).To(Succeed())
		Expect(pubsub.Close()).To(Succeed())
	})

	Describe("startup", func() {
		It("queues commands until the host is ready", func() {
			result := make(chan error, 1)
			go func() {
				_, err := f.InitSession(ctx, "s1")
				result <- err
			}()

			Consistently(result, 100*time.Millisecond).ShouldNot(Receive())
			Expect(f.Ready()).NotTo(BeClosed())

			startHost()
			Eventually(f.Ready()).Should(BeClosed())
			Eventually(result).Should(Receive(BeNil()))

			state, ok := f.GetSessionState("s1")
			Expect(ok).To(BeTrue())
			Expect(state.StreamState).To(Equal(types.StreamIdle))
		})

		It("never sends a queued command whose caller gave up", func() {
			cancelled, cancel := context.WithCancel(ctx)
			result := make(chan error, 1)
			go func() {
				_, err := f.InitSession(cancelled, "s1")
				result <- err
			}()
			Consistently(result, 50*time.Millisecond).ShouldNot(Receive())
			cancel()
			Eventually(result).Should(Receive(MatchError(context.Canceled)))

			startHost()
			Eventually(f.Ready()).Should(BeClosed())

			// Commands run in order, so s1 would exist by now had it been sent.
			_, err := f.InitSession(ctx, "s2")
			Expect(err).NotTo(HaveOccurred())
			_, ok := f.GetSessionState("s1")
			Expect(ok).To(BeFalse())
			Expect(f.AllSessions()).To(HaveLen(1))
		})
	})

	Context("with a running host", func() {
		BeforeEach(func() {
			startHost()
			Eventually(f.Ready()).Should(BeClosed())
		})

		It("mirrors a created session", func() {
			state, err := f.InitSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.SessionID).To(Equal("s1"))
			Expect(state.Messages).To(BeEmpty())

			mirrored, ok := f.GetSessionState("s1")
			Expect(ok).To(BeTrue())
			Expect(mirrored.StreamState).To(Equal(types.StreamIdle))
			Expect(mirrored.LastUpdated).To(Equal(state.LastUpdated))
		})

		It("hydrates a session on load", func() {
			fake.SetSnapshot("s1", types.SessionSnapshot{
				Session:  types.SessionInfo{ID: "s1", Title: "Greeting"},
				Messages: []types.Message{types.NewTextMessage("m1", types.RoleUser, "hi")},
			})

			state, err := f.LoadSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Loaded()).To(BeTrue())

			mirrored, ok := f.GetSessionState("s1")
			Expect(ok).To(BeTrue())
			Expect(mirrored.Session.Title).To(Equal("Greeting"))
			Expect(mirrored.Messages).To(HaveLen(1))
			Expect(mirrored.StreamState).To(Equal(types.StreamIdle))
		})

		It("reports unknown sessions as not found", func() {
			_, err := f.LoadSession(ctx, "missing")
			Expect(errors.Is(err, types.ErrSessionNotFound)).To(BeTrue())

			var typed *types.Error
			Expect(errors.As(err, &typed)).To(BeTrue())
			Expect(typed.SessionID).To(Equal("missing"))

			mirrored, ok := f.GetSessionState("missing")
			Expect(ok).To(BeTrue())
			Expect(mirrored.StreamState).To(Equal(types.StreamError))
			Expect(mirrored.Error).NotTo(BeEmpty())
		})

		It("settles concurrent loads of one session", func() {
			fake.AddSession("s1", "t")
			release := fake.HoldLoads()

			results := make(chan error, 2)
			for i := 0; i < 2; i++ {
				go func() {
					_, err := f.LoadSession(ctx, "s1")
					results <- err
				}()
			}

			Eventually(func() types.StreamState {
				st, _ := f.GetSessionState("s1")
				return st.StreamState
			}).Should(Equal(types.StreamLoading))
			release()

			Eventually(results).Should(Receive(BeNil()))
			Eventually(results).Should(Receive(BeNil()))
		})

		It("streams a reply to subscribers", func() {
			fake.AddSession("s1", "t")
			_, err := f.LoadSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())

			rec := &recorder{}
			unsubscribe := f.Subscribe("s1", rec.record)
			defer unsubscribe()

			script := fake.Script("s1")
			done := make(chan error, 1)
			go func() { done <- f.StartStream(ctx, "s1", "hello", nil) }()

			Eventually(script.Opened()).Should(BeClosed())
			Expect(script.Send(assistant("a1", "Hel"))).To(BeTrue())
			Expect(script.Send(assistant("a1", "lo"))).To(BeTrue())
			Expect(script.Send(types.TokenUsageEvent{Tokens: types.TokenState{Input: 3, Output: 2, Total: 5}})).To(BeTrue())
			Expect(script.End(nil)).To(BeTrue())

			Eventually(done).Should(Receive(BeNil()))

			state, ok := f.GetSessionState("s1")
			Expect(ok).To(BeTrue())
			Expect(state.StreamState).To(Equal(types.StreamIdle))
			Expect(state.Messages).To(HaveLen(2))
			Expect(state.Messages[0].Role).To(Equal(types.RoleUser))
			Expect(state.Messages[0].Text()).To(Equal("hello"))
			Expect(state.Messages[1].Text()).To(Equal("Hello"))
			Expect(state.Tokens.Total).To(Equal(int64(5)))

			Expect(rec.states()).To(Equal([]types.StreamState{types.StreamStreaming, types.StreamIdle}))

			opened := fake.Opened("s1")
			Expect(opened).To(HaveLen(1))
			Expect(opened[0]).To(HaveLen(1))
		})

		It("stops an active stream", func() {
			fake.AddSession("s1", "t")
			_, err := f.LoadSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())

			script := fake.Script("s1")
			done := make(chan error, 1)
			go func() { done <- f.StartStream(ctx, "s1", "hello", nil) }()
			Eventually(script.Opened()).Should(BeClosed())
			Expect(script.Send(assistant("a1", "partial"))).To(BeTrue())
			Eventually(func() string {
				st, _ := f.GetSessionState("s1")
				return st.Messages[len(st.Messages)-1].Text()
			}).Should(Equal("partial"))

			Expect(f.StopStream(ctx, "s1")).To(Succeed())
			Eventually(done).Should(Receive(BeNil()))
			Eventually(script.Closed()).Should(BeClosed())

			state, _ := f.GetSessionState("s1")
			Expect(state.StreamState).To(Equal(types.StreamIdle))
			Expect(state.Messages[len(state.Messages)-1].Text()).To(Equal("partial"))
		})

		It("surfaces stream errors to the caller", func() {
			fake.AddSession("s1", "t")
			_, err := f.LoadSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())

			fake.Reply("s1", nil, assistant("a1", "x"), types.ErrorEvent{Message: "model overloaded"})
			err = f.StartStream(ctx, "s1", "hello", nil)
			Expect(errors.Is(err, types.ErrStream)).To(BeTrue())

			state, _ := f.GetSessionState("s1")
			Expect(state.StreamState).To(Equal(types.StreamError))
			Expect(state.Error).To(ContainSubstring("model overloaded"))
		})

		It("lets a caller stop waiting without cancelling the stream", func() {
			fake.AddSession("s1", "t")
			_, err := f.LoadSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())

			script := fake.Script("s1")
			callCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- f.StartStream(callCtx, "s1", "hello", nil) }()
			Eventually(script.Opened()).Should(BeClosed())

			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))

			Eventually(func() types.StreamState {
				st, _ := f.GetSessionState("s1")
				return st.StreamState
			}).Should(Equal(types.StreamStreaming))

			Expect(f.StopStream(ctx, "s1")).To(Succeed())
		})

		It("overwrites a session on update", func() {
			_, err := f.InitSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())

			state, err := f.UpdateSession(ctx, "s1", types.SessionSnapshot{
				Session:  types.SessionInfo{ID: "s1", Title: "Renamed"},
				Messages: []types.Message{types.NewTextMessage("m1", types.RoleUser, "edited")},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Session.Title).To(Equal("Renamed"))

			mirrored, _ := f.GetSessionState("s1")
			Expect(mirrored.Messages).To(HaveLen(1))
			Expect(mirrored.Messages[0].Text()).To(Equal("edited"))
		})

		It("drops subscribers when a session is destroyed", func() {
			fake.SetSnapshot("s1", types.SessionSnapshot{
				Session:  types.SessionInfo{ID: "s1", Title: "Greeting"},
				Messages: []types.Message{types.NewTextMessage("m1", types.RoleUser, "hi")},
			})
			_, err := f.LoadSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())

			rec := &recorder{}
			f.Subscribe("s1", rec.record)
			Expect(f.HasSubscribers("s1")).To(BeTrue())

			Expect(f.DestroySession(ctx, "s1")).To(Succeed())

			events := rec.all()
			Expect(events).NotTo(BeEmpty())
			removed := events[len(events)-1]
			Expect(removed.Removed()).To(BeTrue())
			Expect(removed.State.Session.Title).To(Equal("Greeting"))
			Expect(removed.State.Messages).To(HaveLen(1))
			Expect(f.HasSubscribers("s1")).To(BeFalse())

			_, ok := f.GetSessionState("s1")
			Expect(ok).To(BeFalse())

			_, err = f.InitSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.all()).To(HaveLen(len(events)))
		})

		It("evicts the least recently updated sessions", func() {
			for _, id := range []string{"a", "b", "c"} {
				_, err := f.InitSession(ctx, id)
				Expect(err).NotTo(HaveOccurred())
			}

			evicted, err := f.EvictIdle(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted).To(Equal([]string{"a", "b"}))

			all := f.AllSessions()
			Expect(all).To(HaveLen(1))
			Expect(all[0].SessionID).To(Equal("c"))
		})

		It("fans out to global subscribers", func() {
			rec := &recorder{}
			unsubscribe := f.SubscribeAll(rec.record)

			_, err := f.InitSession(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			_, err = f.InitSession(ctx, "b")
			Expect(err).NotTo(HaveOccurred())

			ids := map[string]bool{}
			for _, ev := range rec.all() {
				ids[ev.SessionID()] = true
			}
			Expect(ids).To(HaveKey("a"))
			Expect(ids).To(HaveKey("b"))

			unsubscribe()
			_, err = f.InitSession(ctx, "c")
			Expect(err).NotTo(HaveOccurred())
			for _, ev := range rec.all() {
				Expect(ev.SessionID()).NotTo(Equal("c"))
			}
		})

		It("fails operations after close", func() {
			Expect(f.Close()).To(Succeed())
			_, err := f.InitSession(ctx, "s1")
			Expect(err).To(MatchError(facade.ErrClosed))
		})
	})
})
