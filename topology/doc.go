// Package topology maps message types to broker entities and consumers to
// queues.
//
// Entity names default to "<prefix>:<TypeName>" and queue names to the
// kebab-cased consumer name plus "-queue". Both can be overridden: message
// types implementing contracts.EntityNamer choose their own entity name, and
// the registry accepts explicit per-type and per-consumer overrides.
//
// The registry is written while the bus is configured and read by every
// in-flight pipe afterwards.
package topology
