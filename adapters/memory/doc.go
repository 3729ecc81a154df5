// Package memory provides an in-process topicbus.Broker.
//
// It implements the full settlement model of a topic/subscription broker:
// peek-lock with lock expiry, delivery counts starting at 1, abandon,
// dead-letter sub-queues, scheduled messages with cancellation,
// receive-and-delete and an optional broker-side max delivery count.
// Failure injection hooks make it suitable for testing bus behavior.
//
// Messages sent to a topic are copied to every subscription that exists at
// send time. Create subscriptions first with EnsureSubscription, NewReceiver,
// or Bus.EnsureTopology.
package memory
