package sink

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
)

// Topics renders the topic layout:
//
//	{ns}/{identity}/device/{table}/{id}/{field}              state, retained
//	{ns}/{identity}/command/{kind}/{table}/{id}[/{subfield}] control
//	{ns}/{identity}/availability                             per peripheral
//	{ns}/bridge/availability                                 bridge (last will)
//	{discovery}/{component}/rvlink_{identity}/{kind}_{key}/config
type Topics struct {
	Namespace       string
	DiscoveryPrefix string
}

func (t Topics) base(id device.PeripheralIdentity) string {
	return t.Namespace + "/" + id.Slug()
}

func (t Topics) State(id device.PeripheralIdentity, key entity.Key, field string) string {
	return fmt.Sprintf("%s/device/%d/%d/%s", t.base(id), key.Table, key.ID, field)
}

func (t Topics) Command(id device.PeripheralIdentity, kind entity.Kind, key entity.Key, sub string) string {
	topic := fmt.Sprintf("%s/command/%s/%d/%d", t.base(id), kind, key.Table, key.ID)
	if sub != "" {
		topic += "/" + sub
	}
	return topic
}

// CommandPattern matches every command topic of one peripheral.
func (t Topics) CommandPattern(id device.PeripheralIdentity) string {
	return t.base(id) + "/command/#"
}

func (t Topics) Availability(id device.PeripheralIdentity) string {
	return t.base(id) + "/availability"
}

// BridgeAvailability carries the process-level last will.
func (t Topics) BridgeAvailability() string {
	return t.Namespace + "/bridge/availability"
}

func (t Topics) Discovery(component string, id device.PeripheralIdentity, kind entity.Kind, key entity.Key) string {
	return fmt.Sprintf("%s/%s/rvlink_%s/%s_%s/config", t.DiscoveryPrefix, component, id.Slug(), kind, key.Slug())
}

// CommandAddress is a parsed command topic.
type CommandAddress struct {
	Kind entity.Kind
	Key  entity.Key
	Sub  string
}

// ParseCommand splits a command topic published under id. It rejects topics
// of other peripherals and malformed segments.
func (t Topics) ParseCommand(id device.PeripheralIdentity, topic string) (CommandAddress, error) {
	prefix := t.base(id) + "/command/"
	if !strings.HasPrefix(topic, prefix) {
		return CommandAddress{}, fmt.Errorf("topic %q is not a command topic of %s", topic, id)
	}
	parts := strings.Split(strings.TrimPrefix(topic, prefix), "/")
	if len(parts) < 3 || len(parts) > 4 {
		return CommandAddress{}, fmt.Errorf("command topic %q: want kind/table/id[/sub]", topic)
	}

	kind, err := entity.ParseKind(parts[0])
	if err != nil {
		return CommandAddress{}, err
	}
	table, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return CommandAddress{}, fmt.Errorf("command topic %q: bad table: %w", topic, err)
	}
	eid, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return CommandAddress{}, fmt.Errorf("command topic %q: bad id: %w", topic, err)
	}

	addr := CommandAddress{Kind: kind, Key: entity.Key{Table: uint8(table), ID: uint8(eid)}}
	if len(parts) == 4 {
		addr.Sub = parts[3]
	}
	return addr, nil
}
