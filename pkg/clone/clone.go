// Package clone orchestrates one replica of a domain: local writes flow
// through the dataset and out to peers, remote deltas flow in and get
// applied, and a fresh clone bootstraps its identity and state from
// whichever peer answers first.
package clone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/config"
	"github.com/orneryd/suset/pkg/dataset"
	"github.com/orneryd/suset/pkg/delta"
	"github.com/orneryd/suset/pkg/kv"
	"github.com/orneryd/suset/pkg/logging"
	"github.com/orneryd/suset/pkg/remotes"
)

// Errors surfaced by Engine, distinct from the ones already owned by
// pkg/dataset or pkg/remotes.
var (
	ErrStorageLocked = errors.New("clone: storage directory locked by another process")
	ErrClosed        = errors.New("clone: closed")
)

var keyIdentity = []byte("qs:control:identity")

const addressNewClock = "newclock"

// Engine is one running clone: a dataset, a remotes client, and the
// bootstrap/identity bookkeeping that ties them together.
type Engine struct {
	log        *logging.Logger
	store      kv.KV
	ds         *dataset.Dataset
	rem        *remotes.Remotes
	transport  remotes.Transport
	ownsTransport bool
	blankNodes *dataset.BlankNodeMinter

	mu       sync.Mutex
	identity clock.Clock
	closed   bool
}

// Open brings up a clone: opens storage, connects transport, determines
// genesis or bootstraps from a peer, and starts serving remote requests.
// transport is optional; when nil, an MQTT transport is opened from
// cfg.Broker and owned (closed) by the Engine.
func Open(ctx context.Context, cfg *config.Config, transport remotes.Transport) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("clone: open: %w", err)
	}
	log := logging.New("clone", logging.ParseLevel(cfg.Logging.Level))

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	c, err := config.LoadConstraints(cfg.Constraints.File)
	if err != nil {
		store.Close()
		return nil, err
	}
	ds := dataset.New(store, c, cfg.Dataset.SnapshotBatchSize)

	ownsTransport := transport == nil
	if ownsTransport {
		transport, err = remotes.OpenMQTT(remotes.MQTTOptions{
			BrokerURL: cfg.Broker.URL,
			Domain:    cfg.Domain.Name,
			CloneID:   cfg.Domain.CloneID,
			Username:  cfg.Broker.Username,
			Password:  cfg.Broker.Password,
			Log:       log.With("mqtt"),
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("clone: open: transport: %w", err)
		}
	}

	rem := remotes.New(transport, remotes.Options{
		Domain:      cfg.Domain.Name,
		CloneID:     cfg.Domain.CloneID,
		SendTimeout: cfg.Broker.SendTimeout,
	})

	blankNodes, err := dataset.NewBlankNodeMinter()
	if err != nil {
		if ownsTransport {
			transport.Close()
		}
		store.Close()
		return nil, fmt.Errorf("clone: open: %w", err)
	}

	e := &Engine{log: log, store: store, ds: ds, rem: rem, transport: transport, ownsTransport: ownsTransport, blankNodes: blankNodes}

	if err := e.bootstrap(ctx); err != nil {
		e.closeTransportAndStore()
		return nil, err
	}

	if err := e.startServing(ctx); err != nil {
		e.closeTransportAndStore()
		return nil, err
	}

	e.ds.Subscribe(func(u dataset.Update) {
		log.Debug("local update", logging.Fields{"ticks": u.Ticks, "inserts": len(u.Inserts), "deletes": len(u.Deletes)})
	})

	return e, nil
}

func openStore(cfg *config.Config) (kv.KV, error) {
	if cfg.Storage.InMemory {
		return kv.NewMemory(), nil
	}
	store, err := kv.Open(cfg.Storage.DataDir)
	if errors.Is(err, kv.ErrLocked) {
		return nil, ErrStorageLocked
	}
	if err != nil {
		return nil, fmt.Errorf("clone: open storage: %w", err)
	}
	return store, nil
}

// bootstrap determines this clone's identity and initial dataset state:
// resume from a prior run if an identity is already persisted, otherwise
// run genesis election and, if not genesis, fetch a forked identity and a
// snapshot from an existing peer.
func (e *Engine) bootstrap(ctx context.Context) error {
	identity, found, err := loadIdentity(ctx, e.store)
	if err != nil {
		return err
	}

	if err := e.rem.Start(ctx, e.onOperation); err != nil {
		return fmt.Errorf("clone: bootstrap: %w", err)
	}

	if found {
		e.identity = identity
		return e.ds.Initialize(ctx, identity)
	}

	_, ok, err := e.rem.ReadRegistry(ctx)
	if err != nil {
		return fmt.Errorf("clone: bootstrap: registry: %w", err)
	}
	if !ok {
		e.identity = clock.GENESIS
		if err := e.ds.Initialize(ctx, e.identity); err != nil {
			return fmt.Errorf("clone: bootstrap: genesis: %w", err)
		}
		if err := e.rem.AnnounceGenesis(ctx); err != nil {
			return fmt.Errorf("clone: bootstrap: announce genesis: %w", err)
		}
		return persistIdentity(ctx, e.store, e.identity)
	}

	var forked clock.Clock
	if err := e.rem.Request(ctx, addressNewClock, struct{}{}, &forked); err != nil {
		return fmt.Errorf("clone: bootstrap: new clock: %w", err)
	}
	e.identity = forked

	meta, batchesRaw, err := e.rem.RequestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("clone: bootstrap: snapshot: %w", err)
	}
	var tail snapshotMeta
	if err := json.Unmarshal(meta, &tail); err != nil {
		return fmt.Errorf("clone: bootstrap: snapshot metadata: %w", err)
	}
	e.identity = clock.Merge(e.identity, tail.LastTime)
	batches := make([]dataset.SnapshotBatch, 0, len(batchesRaw))
	for _, raw := range batchesRaw {
		var b dataset.SnapshotBatch
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("clone: bootstrap: snapshot batch: %w", err)
		}
		batches = append(batches, b)
	}
	snap := dataset.Snapshot{LastHash: tail.LastHash, LastTime: tail.LastTime, Batches: batches}
	if err := e.ds.ApplySnapshot(ctx, snap, e.identity); err != nil {
		return fmt.Errorf("clone: bootstrap: apply snapshot: %w", err)
	}
	return persistIdentity(ctx, e.store, e.identity)
}

// snapshotMeta is the Result payload HandleSnapshotRequests sends alongside
// the streamed batches, carrying what TakeSnapshot recorded outside the
// batch stream itself.
type snapshotMeta struct {
	LastHash string      `json:"lastHash"`
	LastTime clock.Clock `json:"lastTime"`
}

// startServing registers this clone as a responder for NewClock and
// Snapshot/Revup requests from other clones joining or catching up. Safe to
// call after bootstrap regardless of whether this clone was itself genesis
// or joined via bootstrap, since every clone can answer these once it holds
// a valid dataset and identity.
func (e *Engine) startServing(ctx context.Context) error {
	if err := e.rem.HandleRequests(ctx, addressNewClock, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return e.forkIdentity(ctx)
	}); err != nil {
		return err
	}
	if err := e.rem.HandleSnapshotRequests(ctx, func(ctx context.Context) (json.RawMessage, []json.RawMessage, error) {
		return e.produceSnapshot(ctx)
	}); err != nil {
		return err
	}
	return e.rem.HandleRevupRequests(ctx, func(ctx context.Context, requestTime json.RawMessage) (json.RawMessage, []json.RawMessage, error) {
		return e.produceRevup(ctx, requestTime)
	})
}

// forkIdentity splits this clone's identity leaf, keeps the left half, and
// gives the right half to the requester — the only way a new clone
// identity is minted: forking must be performed by an existing clone.
func (e *Engine) forkIdentity(ctx context.Context) (clock.Clock, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return clock.Clock{}, ErrClosed
	}
	self, other := e.identity.Fork()
	e.identity = self
	if err := persistIdentity(ctx, e.store, e.identity); err != nil {
		return clock.Clock{}, err
	}
	return other, nil
}

func (e *Engine) produceSnapshot(ctx context.Context) (json.RawMessage, []json.RawMessage, error) {
	snap, err := e.ds.TakeSnapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	meta, err := json.Marshal(snapshotMeta{LastHash: snap.LastHash, LastTime: snap.LastTime})
	if err != nil {
		return nil, nil, err
	}
	batches := make([]json.RawMessage, 0, len(snap.Batches))
	for _, b := range snap.Batches {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, nil, err
		}
		batches = append(batches, raw)
	}
	return meta, batches, nil
}

func (e *Engine) produceRevup(ctx context.Context, requestTime json.RawMessage) (json.RawMessage, []json.RawMessage, error) {
	var requester clock.Clock
	if err := json.Unmarshal(requestTime, &requester); err != nil {
		return nil, nil, fmt.Errorf("clone: revup: decode time: %w", err)
	}
	cursor, err := e.ds.OperationsSince(ctx, requester)
	if err != nil {
		return nil, nil, err
	}
	var batches []json.RawMessage
	for {
		entry, ok, err := cursor.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, nil, err
		}
		batches = append(batches, raw)
	}
	return nil, batches, nil
}

// onOperation is Remotes' callback for every broadcast delta this clone did
// not itself publish: merge the sender's time into our own, apply under the
// arrival tick, and broadcast a repair if the constraint engine produced
// one. arrivalTime and repairTime are computed together before Apply runs
// so the repair's tick is reserved even if Apply ends up not needing it.
func (e *Engine) onOperation(msg delta.Message) {
	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if clock.IdentityEqual(msg.Time, e.identity) {
		// Self-echo: a delta stamped with this clone's own identity leaf.
		return
	}

	merged := clock.Merge(e.identity, msg.Time)
	arrival := merged.Tick()
	repairTime := arrival.Tick()

	repair, err := e.ds.Apply(ctx, msg, arrival, repairTime)
	if err != nil {
		e.log.Error("apply failed", logging.Fields{"err": err, "tid": msg.Tid})
		if errors.Is(err, delta.ErrBadUpdate) {
			// Protocol divergence with the sender is fatal: shut the clone
			// down. Close takes e.mu, which this call still holds.
			go e.Close()
		}
		return
	}

	if repair != nil {
		e.identity = repairTime
	} else {
		e.identity = arrival
	}
	if err := persistIdentity(ctx, e.store, e.identity); err != nil {
		e.log.Error("persist identity failed", logging.Fields{"err": err})
		return
	}

	if repair != nil {
		if err := e.rem.Broadcast(ctx, *repair); err != nil {
			e.log.Warn("broadcast repair failed", logging.Fields{"err": err})
		}
	}
}

// Write runs prepare as a local transaction: ticks this clone's identity,
// transacts it against the dataset, persists the advanced identity, and
// broadcasts the resulting delta to peers. Returns prepare's caller value.
func (e *Engine) Write(ctx context.Context, prepare dataset.PrepareFunc) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	tid := uuid.NewString()
	time := e.identity.Tick()
	msg, value, err := e.ds.Transact(ctx, tid, time, prepare)
	if err != nil {
		return nil, err
	}
	e.identity = time
	if err := persistIdentity(ctx, e.store, e.identity); err != nil {
		return nil, err
	}

	if err := e.rem.Broadcast(ctx, msg); err != nil {
		e.log.Warn("broadcast failed", logging.Fields{"err": err, "tid": tid})
	}
	return value, nil
}

// Subscribe registers fn to be called with every committed local or remote
// update, in commit order.
func (e *Engine) Subscribe(fn func(dataset.Update)) {
	e.ds.Subscribe(fn)
}

// NewBlankNode mints a blank-node id unique to this clone, using a random
// stable base so concurrent blanks minted by other clones cannot collide,
// for a prepare callback that needs to name a fresh subject.
func (e *Engine) NewBlankNode() string {
	return e.blankNodes.Next()
}

// Close cancels in-flight requests, stops the dataset and remotes clients,
// and releases the storage directory's file lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.ds.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.rem.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.ownsTransport {
		if err := e.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("clone: close: %v", errs)
	}
	return nil
}

func (e *Engine) closeTransportAndStore() {
	if e.ownsTransport {
		_ = e.transport.Close()
	}
	_ = e.store.Close()
}

func loadIdentity(ctx context.Context, store kv.KV) (clock.Clock, bool, error) {
	raw, err := store.Get(ctx, keyIdentity)
	if errors.Is(err, kv.ErrNotFound) {
		return clock.Clock{}, false, nil
	}
	if err != nil {
		return clock.Clock{}, false, fmt.Errorf("clone: load identity: %w", err)
	}
	var c clock.Clock
	if err := json.Unmarshal(raw, &c); err != nil {
		return clock.Clock{}, false, fmt.Errorf("clone: load identity: decode: %w", err)
	}
	return c, true, nil
}

func persistIdentity(ctx context.Context, store kv.KV, c clock.Clock) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("clone: persist identity: %w", err)
	}
	if err := store.Put(ctx, keyIdentity, raw); err != nil {
		return fmt.Errorf("clone: persist identity: %w", err)
	}
	return nil
}
