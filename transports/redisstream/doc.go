// Package redisstream is a Redis Streams transport for a messaging.Bus.
//
// Each queue is a stream read through a consumer group, so competing bus
// instances share its entries. Each message entity is a set of the queues
// bound to it; publishing appends the entry to every bound stream.
// Rejected deliveries are appended to <queue>_error. Entries left pending by
// a crashed consumer are claimed after an idle period and redelivered with
// an incremented x-redelivery-count. Scheduled delivery is not supported.
package redisstream
