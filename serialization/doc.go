// Package serialization turns envelopes into bytes and back.
//
// The serializer moves reserved host headers into the envelope's host field,
// stamps the content type and encodes the result as JSON. On the way in it
// distinguishes two failure modes the dispatch runtime treats differently:
//
//   - ErrUnknownMessageType: the envelope is well formed but none of its
//     message type URNs is bound locally; the delivery is skipped.
//   - *DeserializationError: the bytes are not a valid envelope or the payload
//     does not decode; the delivery is handed back to the transport.
package serialization
