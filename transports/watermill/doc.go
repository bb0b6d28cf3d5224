// Package watermill adapts a Watermill Publisher/Subscriber pair into a
// transport factory, so any Watermill backend (Kafka, NATS, SQL, ...) can
// carry bus traffic.
//
// Entities and queues both map to topics. Publishing to an entity writes
// to the topic named after it; a receive transport subscribes to its
// queue topic and to the topic of every bound entity. Whether competing
// subscribers share a topic or each receive a copy is up to the backend.
//
//	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))
//	factory := watermill.NewFactory(pubsub, pubsub, watermill.WithLogger(logger))
//	bus := messaging.NewBus(factory)
package watermill
