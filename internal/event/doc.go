/*
Package event provides the subscriber registry behind the façade's
Subscribe and SubscribeAll.

Subscribers are keyed by session id. Each session's entry holds the set of
callbacks registered for it and exists only while that set is non-empty:
the last unsubscribe removes the entry, but never the session itself.

# Delivery

PublishSync calls the session's subscribers, then the global ones, on the
calling goroutine. The façade publishes from its single receive goroutine,
so one session's events reach a subscriber in the order the coordinator
produced them. The order in which different subscribers of the same event
are called is not specified.

# Basic Usage

	bus := event.NewBus()
	unsub := bus.Subscribe("ses_123", func(e event.Event) {
		fmt.Println(e.State.StreamState, len(e.State.Messages))
	})
	defer unsub()

A subscriber must not block: it holds up delivery for every session.
*/
package event
