// Package inmemory is a broker-less transport for tests and single
// process deployments. A Hub holds fanout exchanges and queues; a Factory
// exposes them to a messaging.Bus. Queues deliver higher priority messages
// first and are FIFO within a priority.
//
//	hub := inmemory.NewHub()
//	bus := messaging.NewBus(inmemory.NewFactory(hub))
package inmemory
