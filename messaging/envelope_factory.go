package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-transit/contracts"
	"github.com/glimte/mmate-transit/serialization"
)

// newEnvelope builds the wire envelope for sc. Host headers in sc.Headers
// are left for the serializer to move into the host section.
func newEnvelope(sc *SendContext) (*contracts.Envelope, error) {
	if len(sc.MessageTypes) == 0 {
		return nil, errors.New("message has no message types")
	}
	payload, err := serialization.Marshal(sc.Message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", sc.MessageTypes[0], err)
	}

	now := time.Now().UTC()
	env := &contracts.Envelope{
		MessageID:          sc.MessageID,
		RequestID:          sc.RequestID,
		CorrelationID:      sc.CorrelationID,
		ConversationID:     sc.ConversationID,
		InitiatorID:        sc.InitiatorID,
		SourceAddress:      sc.SourceAddress,
		DestinationAddress: sc.DestinationAddress,
		ResponseAddress:    sc.ResponseAddress,
		FaultAddress:       sc.FaultAddress,
		SentTime:           &now,
		MessageType:        append([]string(nil), sc.MessageTypes...),
		Message:            payload,
		Headers:            contracts.CopyHeaders(sc.Headers),
	}
	if sc.TimeToLive > 0 {
		base := now
		if sc.ScheduledTime != nil && sc.ScheduledTime.After(now) {
			base = sc.ScheduledTime.UTC()
		}
		expires := base.Add(sc.TimeToLive)
		env.ExpirationTime = &expires
	}
	return env, nil
}
