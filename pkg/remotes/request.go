package remotes

import (
	"context"
	"encoding/json"
	"fmt"
)

// RequestHandler answers a non-streaming send-topic request (e.g. NewClock)
// with a JSON-encodable result.
type RequestHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// HandleRequests registers a responder for requests arriving at
// domain/send/<this clone>/+/+/<addressPath>: handler's result (or error) is
// published back on the requester's reply topic as replyEnvelope.Result.
func (r *Remotes) HandleRequests(ctx context.Context, addressPath string, handler RequestHandler) error {
	filter := fmt.Sprintf("%s/send/%s/+/+/%s", r.domain, r.cloneID, addressPath)
	return r.transport.Subscribe(ctx, filter, func(topic string, payload []byte) {
		toID, fromID, messageID, ok := parseSendTopic(topic, r.domain)
		if !ok {
			return
		}
		result, err := handler(ctx, payload)
		var reply replyEnvelope
		if err != nil {
			reply = replyEnvelope{Error: err.Error()}
		} else {
			encoded, mErr := json.Marshal(result)
			if mErr != nil {
				reply = replyEnvelope{Error: mErr.Error()}
			} else {
				reply = replyEnvelope{Result: encoded}
			}
		}
		replyPayload, mErr := json.Marshal(reply)
		if mErr != nil {
			return
		}
		_ = r.transport.Publish(ctx, replyTopic(r.domain, fromID, toID, messageID, messageID), replyPayload, false)
	})
}

// Request performs a non-streaming request/reply round trip and decodes the
// responder's result into out.
func (r *Remotes) Request(ctx context.Context, addressPath string, request, out any) error {
	reply, _, err := r.Send(ctx, addressPath, request)
	if err != nil {
		return err
	}
	if out == nil || len(reply.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return fmt.Errorf("remotes: request %s: decode result: %w", addressPath, err)
	}
	return nil
}
