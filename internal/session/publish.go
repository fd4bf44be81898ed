package session

import (
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/sink"
)

// PublishEntity runs a decoded status update through the pending guard and,
// when admitted, stores it and publishes its state fields. The first update
// for a (kind, key) also publishes the discovery record built by builder;
// a nil builder selects the default record for the entity.
//
// It reports whether the update was published.
func (s *Session) PublishEntity(e entity.Entity, builder sink.DiscoveryBuilder) bool {
	return s.publish(e, builder, true)
}

func (s *Session) publish(e entity.Entity, builder sink.DiscoveryBuilder, guarded bool) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.closed.Load() {
		return false
	}

	key := e.Key()
	fields := e.Fields()
	if guarded {
		verdict := s.pending.Check(key, fields)
		if !verdict.Admitted() {
			s.logger.WithFields(logrus.Fields{
				"entity": key.String(),
				"kind":   e.Kind(),
			}).Debug("Status update suppressed by pending command")
			return false
		}
		if verdict != entity.Publish {
			s.logger.WithFields(logrus.Fields{
				"entity":  key.String(),
				"verdict": verdict.String(),
			}).Debug("Pending command settled")
		}
	}

	s.model.Put(e)

	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)
	for _, field := range names {
		s.sink.PublishState(s.topics.State(s.id, key, field), fields[field], true)
	}

	if builder == nil {
		builder = sink.BuilderFor(s.topics, s.id, e)
	}
	bk := builderKey{kind: e.Kind(), key: key}
	s.builders[bk] = builder
	if s.published.Mark(e.Kind(), key) {
		s.publishDiscovery(e.Kind(), key, builder, s.names.NameFor(s.id, e.Kind(), key))
	}
	return true
}

func (s *Session) publishDiscovery(kind entity.Kind, key entity.Key, builder sink.DiscoveryBuilder, name string) bool {
	rec, err := builder(name)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"entity": key.String(),
			"kind":   kind,
			"error":  err,
		}).Warn("Failed to build discovery record")
		return false
	}
	payload, err := rec.Encode()
	if err != nil {
		s.logger.WithField("error", err).Warn("Failed to encode discovery record")
		return false
	}
	s.sink.PublishDiscovery(s.topics.Discovery(rec.Component, s.id, kind, key), payload)
	return true
}

// RepublishName records a resolved friendly name and republishes the
// discovery records already published for key. Kinds never observed for the
// key are left alone. It returns how many records were republished.
func (s *Session) RepublishName(key entity.Key, name string) int {
	changed, err := s.names.Set(s.id, key, name)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"entity": key.String(),
			"error":  err,
		}).Warn("Failed to persist friendly name")
	}
	if !changed {
		return 0
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.closed.Load() {
		return 0
	}
	count := 0
	for _, kind := range s.published.KindsFor(key) {
		builder, ok := s.builders[builderKey{kind: kind, key: key}]
		if !ok {
			continue
		}
		if s.publishDiscovery(kind, key, builder, name) {
			count++
		}
	}
	s.logger.WithFields(logrus.Fields{
		"entity":      key.String(),
		"name":        name,
		"republished": count,
	}).Debug("Friendly name resolved")
	return count
}

// Names returns the friendly-name cache.
func (s *Session) Names() *entity.NameCache { return s.names }
