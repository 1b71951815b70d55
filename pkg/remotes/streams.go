package remotes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamProducer answers a peer's bootstrap request: meta is published
// immediately in the reply (e.g. a snapshot's tail hash/time), and batches
// are streamed in order afterward, one frame per batch.
type StreamProducer func(ctx context.Context) (meta json.RawMessage, batches []json.RawMessage, err error)

// RevupHandler answers a peer's request for every operation since a given
// time, in the same (meta, batches) shape as a StreamProducer.
type RevupHandler func(ctx context.Context, requestTime json.RawMessage) (meta json.RawMessage, batches []json.RawMessage, err error)

// HandleSnapshotRequests registers the server side of the snapshot
// bootstrap protocol: SnapshotRequests arriving on this clone's send topic
// get a fresh stream address allocated, the producer's meta is returned in
// the immediate reply, and every batch it yields is published on the data
// address in order, followed by a completion frame.
func (r *Remotes) HandleSnapshotRequests(ctx context.Context, handler StreamProducer) error {
	return r.transport.Subscribe(ctx, r.domain+"/send/"+r.cloneID+"/+/+/snapshot", func(topic string, payload []byte) {
		// serveStream blocks on the requester's ack; run it off the
		// subscription callback's own goroutine so a synchronous transport
		// (Loopback) can still deliver that ack back in.
		go r.serveStream(ctx, topic, handler)
	})
}

// HandleRevupRequests registers the server side of the revup protocol,
// analogous to HandleSnapshotRequests but carrying the requester's time in
// the request payload.
func (r *Remotes) HandleRevupRequests(ctx context.Context, handler RevupHandler) error {
	return r.transport.Subscribe(ctx, r.domain+"/send/"+r.cloneID+"/+/+/revup", func(topic string, payload []byte) {
		var req RevupRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		go r.serveStream(ctx, topic, func(ctx context.Context) (json.RawMessage, []json.RawMessage, error) {
			return handler(ctx, req.Time)
		})
	})
}

// ackTopic derives the address a requester acks a stream's data address on,
// once it has subscribed and is ready to receive.
func ackTopic(dataAddress string) string { return dataAddress + "/ack" }

// serveStream implements the shared reply half of both snapshot and revup
// serving: allocate a fresh data address, subscribe for the requester's ack
// on it, reply to the requester with the data address and the producer's
// metadata, wait for the ack, then stream every batch in order followed by a
// completion or error frame. Streaming only starts once the requester has
// acked, so no frame is published before a subscriber exists to receive it.
func (r *Remotes) serveStream(ctx context.Context, requestTopic string, produce StreamProducer) {
	toID, fromID, messageID, ok := parseSendTopic(requestTopic, r.domain)
	if !ok {
		return
	}
	replyAddress := replyTopic(r.domain, fromID, toID, messageID, messageID)

	meta, batches, err := produce(ctx)
	if err != nil {
		replyPayload, _ := json.Marshal(replyEnvelope{Error: err.Error()})
		_ = r.transport.Publish(ctx, replyAddress, replyPayload, false)
		return
	}

	dataAddress := fmt.Sprintf("%s/stream/%s", r.domain, uuid.NewString())

	acked := make(chan struct{})
	var closeAcked sync.Once
	if err := r.transport.Subscribe(ctx, ackTopic(dataAddress), func(_ string, _ []byte) {
		closeAcked.Do(func() { close(acked) })
	}); err != nil {
		return
	}
	defer r.transport.Unsubscribe(ackTopic(dataAddress))

	replyPayload, err := json.Marshal(replyEnvelope{DataAddress: dataAddress, ExpectAck: true, Result: meta})
	if err != nil {
		return
	}
	if err := r.transport.Publish(ctx, replyAddress, replyPayload, false); err != nil {
		return
	}

	select {
	case <-acked:
	case <-time.After(r.sendTimeout):
		return
	case <-ctx.Done():
		return
	}

	for _, batch := range batches {
		frame, err := json.Marshal(streamFrame{Next: batch})
		if err != nil {
			continue
		}
		if err := r.transport.Publish(ctx, dataAddress, frame, false); err != nil {
			return
		}
	}
	complete, _ := json.Marshal(streamFrame{Complete: true})
	_ = r.transport.Publish(ctx, dataAddress, complete, false)
}

// parseSendTopic splits domain/send/<toId>/<fromId>/<messageId>[/addressPath]
// back into its components.
func parseSendTopic(topic, domain string) (toID, fromID, messageID string, ok bool) {
	prefix := domain + "/send/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", "", "", false
	}
	rest := topic[len(prefix):]
	var parts []string
	start := 0
	for i := 0; i <= len(rest); i++ {
		if i == len(rest) || rest[i] == '/' {
			parts = append(parts, rest[start:i])
			start = i + 1
		}
	}
	if len(parts) < 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// RequestSnapshot performs the client side of the bootstrap protocol: send a
// SnapshotRequest, follow the returned data address, and collect every batch
// until the peer signals completion. Returns the producer's metadata
// alongside the batches.
func (r *Remotes) RequestSnapshot(ctx context.Context) (meta json.RawMessage, batches []json.RawMessage, err error) {
	return r.requestStream(ctx, "snapshot", SnapshotRequest{})
}

// RequestRevup performs the client side of the revup protocol for the given
// encoded clock time.
func (r *Remotes) RequestRevup(ctx context.Context, time json.RawMessage) (meta json.RawMessage, batches []json.RawMessage, err error) {
	return r.requestStream(ctx, "revup", RevupRequest{Time: time})
}

func (r *Remotes) requestStream(ctx context.Context, addressPath string, request any) (json.RawMessage, []json.RawMessage, error) {
	reply, _, err := r.Send(ctx, addressPath, request)
	if err != nil {
		return nil, nil, err
	}
	if reply.DataAddress == "" {
		return nil, nil, ErrStreamFailed
	}

	var (
		mu        sync.Mutex
		batches   []json.RawMessage
		streamErr error
	)
	done := make(chan struct{})
	closeOnce := sync.Once{}

	err = r.transport.Subscribe(ctx, reply.DataAddress, func(_ string, payload []byte) {
		var frame streamFrame
		if jsonErr := json.Unmarshal(payload, &frame); jsonErr != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case frame.Error != "":
			streamErr = fmt.Errorf("remotes: stream: %s", frame.Error)
			closeOnce.Do(func() { close(done) })
		case frame.Complete:
			closeOnce.Do(func() { close(done) })
		default:
			batches = append(batches, frame.Next)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("remotes: request stream: %w", err)
	}
	defer r.transport.Unsubscribe(reply.DataAddress)

	// Ack only after the subscription above is in place, so the responder
	// never starts streaming to an address nothing is listening on yet.
	if reply.ExpectAck {
		if err := r.transport.Publish(ctx, ackTopic(reply.DataAddress), nil, false); err != nil {
			return nil, nil, fmt.Errorf("remotes: request stream: ack: %w", err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	if streamErr != nil {
		return nil, nil, streamErr
	}
	return reply.Result, batches, nil
}
