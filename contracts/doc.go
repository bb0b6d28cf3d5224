// Package contracts defines the wire-level data model shared by every mmate
// process: the message envelope, fault notifications, message type URNs and
// the reserved header namespace.
//
// An envelope carries one serialized message plus routing and correlation
// metadata. Field names are part of the wire contract:
//
//	{
//	  "messageId": "...", "conversationId": "...",
//	  "destinationAddress": "rabbitmq://localhost/exchange/mmate:OrderSubmitted",
//	  "messageType": ["urn:message:example.com.orders:OrderSubmitted"],
//	  "message": {"orderId": "..."},
//	  "headers": {}, "host": {"machineName": "..."}
//	}
//
// Message types are identified by URN rather than by Go type name so that
// processes written against different packages can interoperate as long as
// their URNs agree.
package contracts
