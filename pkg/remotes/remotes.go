// Package remotes implements the pub/sub remoting protocol a clone uses to
// discover peers, exchange deltas, and bootstrap: genesis election via a
// retained hello, presence tracking via broker last-will, unicast
// send/reply with timeout and round-robin peer selection, and streamed
// channels for snapshot/revup transfer.
//
// This package depends only on the Transport interface; CloneEngine wires a
// concrete transport (pkg/remotes/mqtt.go ships one) and the dataset/journal
// types that ride over the wire.
package remotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orneryd/suset/pkg/delta"
)

// Errors surfaced by Remotes.
var (
	ErrNoneVisible  = errors.New("remotes: no presence peers visible")
	ErrSendTimeout  = errors.New("remotes: send timed out")
	ErrClosed       = errors.New("remotes: closed")
	ErrStreamFailed = errors.New("remotes: stream error")
)

// Transport is the pub/sub collaborator Remotes rides over. A concrete
// implementation need only honor topic strings opaquely: retained publishes
// persist at the broker until overwritten, Subscribe delivers every publish
// matching a filter (including wildcards) to handler, and Present reports
// the currently known presence set for a control topic.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Subscribe(ctx context.Context, topicFilter string, handler func(topic string, payload []byte)) error
	Unsubscribe(topicFilter string) error
	Present(ctx context.Context) ([]string, error)
	Close() error
}

// hello is the retained genesis-election message. Only the clone that finds
// the registry empty at bootstrap publishes it; joining clones do not.
type hello struct {
	ID string `json:"id"`
}

// replyEnvelope carries an optional stream-address allocation alongside an
// ack/error outcome for send/reply requests that bootstrap a streamed
// transfer (snapshot/revup).
type replyEnvelope struct {
	Error          string          `json:"error,omitempty"`
	DataAddress    string          `json:"dataAddress,omitempty"`
	UpdatesAddress string          `json:"updatesAddress,omitempty"`
	ExpectAck      bool            `json:"expectAck,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// streamFrame is one message on a streamed snapshot/revup channel.
type streamFrame struct {
	Next     json.RawMessage `json:"next,omitempty"`
	Complete bool            `json:"complete,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// RevupRequest is sent on a peer's send topic to ask for every operation
// since Time.
type RevupRequest struct {
	Time json.RawMessage `json:"time"`
}

// SnapshotRequest asks a peer for a full state transfer.
type SnapshotRequest struct{}

// Options configures a Remotes client.
type Options struct {
	Domain      string        // domain name, the root of every topic
	CloneID     string        // this clone's unique id, used for echo suppression and topic addressing
	SendTimeout time.Duration // default 2s
}

// Remotes is one clone's pub/sub remoting client.
type Remotes struct {
	transport Transport
	domain    string
	cloneID   string
	sendTimeout time.Duration

	mu             sync.Mutex
	closed         bool
	pending        map[string]chan replyEnvelope // messageId -> reply channel
	recentlySentTo map[string]bool               // round-robin exhaustion set

	onOperation func(delta.Message)
}

func controlTopic(domain string) string  { return domain + "/control" }
func registryTopic(domain string) string { return domain + "/registry" }
func sendTopic(domain, toID, fromID, messageID, addressPath string) string {
	topic := fmt.Sprintf("%s/send/%s/%s/%s", domain, toID, fromID, messageID)
	if addressPath != "" {
		topic += "/" + addressPath
	}
	return topic
}
func replyTopic(domain, toID, fromID, messageID, sentMessageID string) string {
	return fmt.Sprintf("%s/reply/%s/%s/%s/%s", domain, toID, fromID, messageID, sentMessageID)
}
func operationsTopic(domain string) string { return domain + "/operations" }

// New constructs a Remotes client bound to transport. Call Start to connect
// the subscriptions before using Send/Broadcast.
func New(transport Transport, opts Options) *Remotes {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	return &Remotes{
		transport:      transport,
		domain:         opts.Domain,
		cloneID:        opts.CloneID,
		sendTimeout:    opts.SendTimeout,
		pending:        map[string]chan replyEnvelope{},
		recentlySentTo: map[string]bool{},
	}
}

// Start subscribes to this clone's reply topic and the broadcast operations
// topic, and registers the handler invoked for every inbound operation
// (echo-suppressed: a publish carrying this clone's own id is dropped).
func (r *Remotes) Start(ctx context.Context, onOperation func(delta.Message)) error {
	r.onOperation = onOperation

	if err := r.transport.Subscribe(ctx, r.domain+"/reply/"+r.cloneID+"/+/+/+", r.handleReply); err != nil {
		return fmt.Errorf("remotes: subscribe reply: %w", err)
	}
	if err := r.transport.Subscribe(ctx, operationsTopic(r.domain), r.handleOperation); err != nil {
		return fmt.Errorf("remotes: subscribe operations: %w", err)
	}
	return nil
}

// AnnounceGenesis publishes this clone's retained hello. The caller decides
// genesis status by inspecting which hello the registry topic already holds,
// a race-free election built on retained-message semantics; this method only
// performs the publish half.
func (r *Remotes) AnnounceGenesis(ctx context.Context) error {
	payload, err := json.Marshal(hello{ID: r.cloneID})
	if err != nil {
		return fmt.Errorf("remotes: announce genesis: %w", err)
	}
	return r.transport.Publish(ctx, registryTopic(r.domain), payload, true)
}

// ReadRegistry returns the currently retained hello, or ok=false if no
// clone has ever published one (this clone is itself the first, i.e.
// genesis).
func (r *Remotes) ReadRegistry(ctx context.Context) (id string, ok bool, err error) {
	var found *hello
	done := make(chan struct{})
	unsub := registryTopic(r.domain)
	err = r.transport.Subscribe(ctx, unsub, func(_ string, payload []byte) {
		var h hello
		if jsonErr := json.Unmarshal(payload, &h); jsonErr == nil {
			found = &h
		}
		select {
		case <-done:
		default:
			close(done)
		}
	})
	if err != nil {
		return "", false, fmt.Errorf("remotes: read registry: %w", err)
	}
	defer r.transport.Unsubscribe(unsub)

	select {
	case <-done:
	case <-time.After(r.sendTimeout):
	}
	if found == nil {
		return "", false, nil
	}
	return found.ID, true, nil
}

// Broadcast publishes msg on the operations topic in journal order (one
// publish per journal entry), echo-tagged with this clone's id so every
// other subscriber can suppress its own re-delivery.
func (r *Remotes) Broadcast(ctx context.Context, msg delta.Message) error {
	envelope := struct {
		FromID string       `json:"fromId"`
		Msg    delta.Message `json:"msg"`
	}{FromID: r.cloneID, Msg: msg}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("remotes: broadcast: %w", err)
	}
	return r.transport.Publish(ctx, operationsTopic(r.domain), payload, false)
}

func (r *Remotes) handleOperation(_ string, payload []byte) {
	var envelope struct {
		FromID string       `json:"fromId"`
		Msg    delta.Message `json:"msg"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return
	}
	if envelope.FromID == r.cloneID {
		return
	}
	if r.onOperation != nil {
		r.onOperation(envelope.Msg)
	}
}

// Send picks a peer from presence, excluding any in recentlySentTo, and
// performs a request/reply round trip over send/<toId>/<fromId>/<messageId>
// and reply/<toId>/<fromId>/<messageId>/<sentMessageId>. When every peer has
// been tried, the exclusion set resets, giving round-robin coverage of the
// visible peer set.
func (r *Remotes) Send(ctx context.Context, addressPath string, request any) (replyEnvelope, string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return replyEnvelope{}, "", ErrClosed
	}
	r.mu.Unlock()

	peers, err := r.transport.Present(ctx)
	if err != nil {
		return replyEnvelope{}, "", fmt.Errorf("remotes: send: presence: %w", err)
	}

	peer, ok := r.pickPeer(peers)
	if !ok {
		return replyEnvelope{}, "", ErrNoneVisible
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return replyEnvelope{}, "", fmt.Errorf("remotes: send: encode: %w", err)
	}

	messageID := uuid.NewString()
	replyCh := make(chan replyEnvelope, 1)
	r.mu.Lock()
	r.pending[messageID] = replyCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, messageID)
		r.mu.Unlock()
	}()

	topic := sendTopic(r.domain, peer, r.cloneID, messageID, addressPath)
	if err := r.transport.Publish(ctx, topic, payload, false); err != nil {
		return replyEnvelope{}, "", fmt.Errorf("remotes: send: publish: %w", err)
	}

	select {
	case reply := <-replyCh:
		if reply.Error != "" {
			return replyEnvelope{}, "", fmt.Errorf("remotes: send: %s", reply.Error)
		}
		return reply, peer, nil
	case <-time.After(r.sendTimeout):
		return replyEnvelope{}, "", ErrSendTimeout
	case <-ctx.Done():
		return replyEnvelope{}, "", ctx.Err()
	}
}

// pickPeer selects a peer not yet in recentlySentTo, resetting the set once
// every visible peer has been excluded.
func (r *Remotes) pickPeer(peers []string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(peers) == 0 {
		return "", false
	}
	for _, p := range peers {
		if !r.recentlySentTo[p] {
			r.recentlySentTo[p] = true
			return p, true
		}
	}
	r.recentlySentTo = map[string]bool{}
	p := peers[0]
	r.recentlySentTo[p] = true
	return p, true
}

func (r *Remotes) handleReply(topic string, payload []byte) {
	var env replyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	messageID := lastTopicSegment(topic)
	r.mu.Lock()
	ch, ok := r.pending[messageID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// lastTopicSegment returns the final '/'-delimited segment of topic: the
// sentMessageId of a reply topic, or the clone id of a presence topic.
func lastTopicSegment(topic string) string {
	last := topic
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			last = topic[i+1:]
			break
		}
	}
	return last
}

// Close cancels every in-flight Send with an error carrying ErrClosed's
// message, and makes later Sends return ErrClosed. It leaves the transport
// subscriptions in place, so registered handlers can still be invoked, and
// does not close the underlying transport, which CloneEngine owns.
func (r *Remotes) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for id, ch := range r.pending {
		select {
		case ch <- replyEnvelope{Error: ErrClosed.Error()}:
		default:
		}
		delete(r.pending, id)
	}
	return nil
}
