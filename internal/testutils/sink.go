package testutils

import (
	"strings"
	"sync"

	"github.com/srg/rvlink/internal/sink"
)

// Published is one message seen by RecordingSink.
type Published struct {
	Topic    string
	Payload  string
	Retained bool
}

// RecordingSink is an in-memory sink.Sink. It keeps the full publication log
// plus the last payload per topic, and routes Deliver calls to subscribed
// command handlers using MQTT wildcard rules.
type RecordingSink struct {
	mu           sync.Mutex
	log          []Published
	last         map[string]string
	discovery    []Published
	availability map[string]bool
	handlers     map[string]sink.CommandHandler
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		last:         make(map[string]string),
		availability: make(map[string]bool),
		handlers:     make(map[string]sink.CommandHandler),
	}
}

func (r *RecordingSink) PublishState(topic, payload string, retained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, Published{Topic: topic, Payload: payload, Retained: retained})
	r.last[topic] = payload
}

func (r *RecordingSink) PublishDiscovery(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := Published{Topic: topic, Payload: string(payload), Retained: true}
	r.log = append(r.log, p)
	r.discovery = append(r.discovery, p)
	r.last[topic] = p.Payload
}

func (r *RecordingSink) RemoveDiscovery(topic string) {
	r.PublishDiscovery(topic, nil)
}

func (r *RecordingSink) PublishAvailability(topic string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload := sink.AvailabilityPayload(online)
	r.log = append(r.log, Published{Topic: topic, Payload: payload, Retained: true})
	r.last[topic] = payload
	r.availability[topic] = online
}

func (r *RecordingSink) SubscribeCommands(pattern string, handler sink.CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[pattern] = handler
}

func (r *RecordingSink) Unsubscribe(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, pattern)
}

// Deliver routes an inbound command to every matching subscription and
// reports how many handlers ran.
func (r *RecordingSink) Deliver(topic string, payload []byte) int {
	r.mu.Lock()
	var matched []sink.CommandHandler
	for pattern, h := range r.handlers {
		if TopicMatches(pattern, topic) {
			matched = append(matched, h)
		}
	}
	r.mu.Unlock()
	for _, h := range matched {
		h(topic, payload)
	}
	return len(matched)
}

// Subscribed reports whether pattern has a handler.
func (r *RecordingSink) Subscribed(pattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[pattern]
	return ok
}

// Last returns the latest payload published to topic.
func (r *RecordingSink) Last(topic string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.last[topic]
	return p, ok
}

// Count returns how many times topic was published.
func (r *RecordingSink) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.log {
		if p.Topic == topic {
			n++
		}
	}
	return n
}

// Log returns the full publication log.
func (r *RecordingSink) Log() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.log...)
}

// Discoveries returns every discovery publication, in order.
func (r *RecordingSink) Discoveries() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.discovery...)
}

// DiscoveriesUnder returns discovery publications whose topic contains part.
func (r *RecordingSink) DiscoveriesUnder(part string) []Published {
	var out []Published
	for _, p := range r.Discoveries() {
		if strings.Contains(p.Topic, part) {
			out = append(out, p)
		}
	}
	return out
}

// Online returns the last availability published to topic.
func (r *RecordingSink) Online(topic string) (online, seen bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	online, seen = r.availability[topic]
	return online, seen
}

// Reset forgets every publication but keeps subscriptions.
func (r *RecordingSink) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = nil
	r.discovery = nil
	r.last = make(map[string]string)
	r.availability = make(map[string]bool)
}

// TopicMatches applies MQTT wildcard matching ("+" one level, "#" the rest).
func TopicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
