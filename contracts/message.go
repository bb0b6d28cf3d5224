package contracts

// EntityNamer is implemented by message types that choose their own
// exchange/topic name instead of the formatter default.
type EntityNamer interface {
	EntityName() string
}

// Correlated is implemented by messages that carry their own correlation
// identifier. The bus copies it into the envelope when the caller did not
// set one explicitly.
type Correlated interface {
	CorrelationID() string
}
