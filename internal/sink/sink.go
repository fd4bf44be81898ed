// Package sink is the publish/subscribe boundary of the engine: the Sink
// capability, the topic layout shared by every family, discovery records and
// the MQTT-backed implementation.
//
// A Sink never returns an error to the engine. Delivery failures are logged
// and the state is considered "not delivered"; the next update retries.
package sink

// CommandHandler receives an inbound control message.
type CommandHandler func(topic string, payload []byte)

// Sink is the consumed publish/subscribe capability.
type Sink interface {
	PublishState(topic, payload string, retained bool)
	PublishDiscovery(topic string, payload []byte)
	// RemoveDiscovery withdraws a discovery record (empty retained payload).
	RemoveDiscovery(topic string)
	PublishAvailability(topic string, online bool)
	SubscribeCommands(pattern string, handler CommandHandler)
	Unsubscribe(pattern string)
}

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// AvailabilityPayload maps a bool to the availability literal.
func AvailabilityPayload(online bool) string {
	if online {
		return PayloadOnline
	}
	return PayloadOffline
}
