package remotes

import (
	"context"
	"strings"
	"sync"
)

// Loopback is an in-process Transport implementation: publishes are
// delivered synchronously to every matching local subscriber. It does not
// talk to a broker at all, so it has no presence concept of its own beyond
// what Present is told to report; callers (typically a test harness wiring
// several clones against one Loopback) update that via SetPresent.
//
// Used by pkg/remotes' own tests and by single-process demos; production
// deployments use MQTT (see mqtt.go).
type Loopback struct {
	mu          sync.Mutex
	subscribers map[string][]func(topic string, payload []byte)
	retained    map[string][]byte
	present     []string
}

// NewLoopback returns an empty Loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{subscribers: map[string][]func(string, []byte){}, retained: map[string][]byte{}}
}

// SetPresent overrides what Present reports, e.g. the other clone ids a
// test has wired against this same broker.
func (l *Loopback) SetPresent(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.present = append([]string{}, ids...)
}

func (l *Loopback) Publish(_ context.Context, topic string, payload []byte, retained bool) error {
	l.mu.Lock()
	if retained {
		l.retained[topic] = append([]byte{}, payload...)
	}
	var handlers []func(string, []byte)
	for filter, hs := range l.subscribers {
		if topicMatches(filter, topic) {
			handlers = append(handlers, hs...)
		}
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

func (l *Loopback) Subscribe(_ context.Context, topicFilter string, handler func(topic string, payload []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers[topicFilter] = append(l.subscribers[topicFilter], handler)
	for topic, payload := range l.retained {
		if topicMatches(topicFilter, topic) {
			go handler(topic, payload)
		}
	}
	return nil
}

func (l *Loopback) Unsubscribe(topicFilter string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subscribers, topicFilter)
	return nil
}

func (l *Loopback) Present(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.present...), nil
}

func (l *Loopback) Close() error { return nil }

// topicMatches implements MQTT-style single-level (+) wildcard matching,
// sufficient for the fixed topic shapes this package generates.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	if len(fParts) != len(tParts) {
		return false
	}
	for i, fp := range fParts {
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return true
}
