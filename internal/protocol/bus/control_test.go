package bus

import (
	"testing"

	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planPayload(t *testing.T, plan *session.CommandPlan) []byte {
	t.Helper()
	require.Len(t, plan.Writes, 1)
	frames := decodeFrames(plan.Writes[0].Data)
	require.Len(t, frames, 1, "write MUST carry exactly one frame")
	return frames[0]
}

func TestControlEncodesCommands(t *testing.T) {
	light := entity.DimmableLight{Base: entity.Base{Table: 3, ID: 7}, Mode: entity.LightModeOn, Brightness: 80}
	zone := entity.HVACZone{
		Base:         entity.Base{Table: 7, ID: 1},
		Mode:         entity.HVACModeOff,
		Fan:          entity.FanAuto,
		HeatSource:   entity.HeatSourceHeatPump,
		HeatSetpoint: 62,
		CoolSetpoint: 78,
	}

	tests := []struct {
		name    string
		current entity.Entity
		req     session.ControlRequest
		args    []byte // payload after cmd id and type
		cmd     byte
		target  map[string]string
	}{
		{
			name:   "switch on",
			req:    session.ControlRequest{Kind: entity.KindSwitch, Key: entity.Key{Table: 2, ID: 9}, Values: map[string]string{"state": "ON"}},
			cmd:    CmdSetSwitch,
			args:   []byte{2, 1, 9},
			target: map[string]string{"state": "ON"},
		},
		{
			name:   "switch off",
			req:    session.ControlRequest{Kind: entity.KindSwitch, Key: entity.Key{Table: 2, ID: 9}, Values: map[string]string{"state": "OFF"}},
			cmd:    CmdSetSwitch,
			args:   []byte{2, 0, 9},
			target: map[string]string{"state": "OFF"},
		},
		{
			name:   "brightness only",
			req:    session.ControlRequest{Kind: entity.KindLight, Key: entity.Key{Table: 3, ID: 7}, Values: map[string]string{"brightness": "200"}},
			cmd:    CmdSetDimmer,
			args:   []byte{3, 7, entity.LightModeOn, 200, 0},
			target: map[string]string{"brightness": "200"},
		},
		{
			name:    "light off keeps brightness",
			current: light,
			req:     session.ControlRequest{Kind: entity.KindLight, Key: entity.Key{Table: 3, ID: 7}, Values: map[string]string{"state": "OFF"}},
			cmd:     CmdSetDimmer,
			args:    []byte{3, 7, entity.LightModeOff, 80, 0},
			target:  map[string]string{"state": "OFF"},
		},
		{
			name:   "light on from dark uses full brightness",
			req:    session.ControlRequest{Kind: entity.KindLight, Key: entity.Key{Table: 3, ID: 7}, Values: map[string]string{"state": "ON"}},
			cmd:    CmdSetDimmer,
			args:   []byte{3, 7, entity.LightModeOn, 255, 0},
			target: map[string]string{"state": "ON"},
		},
		{
			name:    "hvac mode and setpoint",
			current: zone,
			req: session.ControlRequest{Kind: entity.KindHVAC, Key: entity.Key{Table: 7, ID: 1},
				Values: map[string]string{"mode": "heat", "heat_setpoint": "70"}},
			cmd:    CmdSetHVAC,
			args:   []byte{7, 1, 0x01 | 0x01<<4, 70, 78},
			target: map[string]string{"mode": "heat", "heat_setpoint": "70"},
		},
		{
			name:    "hvac fan",
			current: zone,
			req:     session.ControlRequest{Kind: entity.KindHVAC, Key: entity.Key{Table: 7, ID: 1}, Values: map[string]string{"fan": "low"}},
			cmd:     CmdSetHVAC,
			args:    []byte{7, 1, 0x01<<4 | 0x02<<6, 62, 78},
			target:  map[string]string{"fan": "low"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Config{PIN: testPIN})
			plan, err := p.Control(nil, tt.current, tt.req)
			require.NoError(t, err)

			payload := planPayload(t, plan)
			require.GreaterOrEqual(t, len(payload), 3)
			assert.Equal(t, []byte{0x00, 0x01}, payload[:2], "first command id MUST be 1")
			assert.Equal(t, tt.cmd, payload[2])
			assert.Equal(t, tt.args, payload[3:])
			assert.Equal(t, tt.target, plan.Target, "only requested fields MUST be guarded")
			assert.Equal(t, CommandWindow, plan.Window)
			assert.Equal(t, tt.req.Key, plan.Optimistic.Key())
			assert.Equal(t, p.chars[RoleDataWrite], plan.Writes[0].UUID)
		})
	}
}

func TestControlRejectsInvalidRequests(t *testing.T) {
	limited := entity.HVACZone{
		Base: entity.Base{Table: 7, ID: 1},
		Mode: entity.HVACModeOff,
		Fan:  entity.FanAuto,
		Caps: capabilities(capGas),
	}

	tests := []struct {
		name    string
		current entity.Entity
		req     session.ControlRequest
		want    error
	}{
		{"switch without state", nil, session.ControlRequest{Kind: entity.KindSwitch, Values: map[string]string{"brightness": "1"}}, session.ErrInvalidCommand},
		{"brightness out of range", nil, session.ControlRequest{Kind: entity.KindLight, Values: map[string]string{"brightness": "300"}}, session.ErrInvalidCommand},
		{"brightness not a number", nil, session.ControlRequest{Kind: entity.KindLight, Values: map[string]string{"brightness": "dim"}}, session.ErrInvalidCommand},
		{"light without fields", nil, session.ControlRequest{Kind: entity.KindLight, Values: map[string]string{}}, session.ErrInvalidCommand},
		{"unknown hvac mode", limited, session.ControlRequest{Kind: entity.KindHVAC, Values: map[string]string{"mode": "turbo"}}, session.ErrInvalidCommand},
		{"setpoint too high", limited, session.ControlRequest{Kind: entity.KindHVAC, Values: map[string]string{"cool_setpoint": "120"}}, session.ErrInvalidCommand},
		{"unsupported mode", limited, session.ControlRequest{Kind: entity.KindHVAC, Values: map[string]string{"mode": "cool"}}, session.ErrInvalidCommand},
		{"unsupported fan", limited, session.ControlRequest{Kind: entity.KindHVAC, Values: map[string]string{"fan": "low"}}, session.ErrInvalidCommand},
		{"unobserved hvac zone", nil, session.ControlRequest{Kind: entity.KindHVAC, Values: map[string]string{"heat_setpoint": "70"}}, session.ErrUnknownEntity},
		{"cover has no encoding", nil, session.ControlRequest{Kind: entity.KindCover, Values: map[string]string{"state": "ON"}}, session.ErrUnknownEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{PIN: testPIN}).Control(nil, tt.current, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// GOAL: Verify an HVAC command is never built for a zone whose status has not been reported
//
// TEST SCENARIO: Setpoint change for a zone with no observed state → rejected without a plan → no command id consumed
func TestHVACControlRequiresObservedZone(t *testing.T) {
	p := New(Config{PIN: testPIN})
	req := session.ControlRequest{
		Kind:   entity.KindHVAC,
		Key:    entity.Key{Table: 7, ID: 1},
		Values: map[string]string{"heat_setpoint": "70"},
	}

	plan, err := p.Control(nil, nil, req)
	assert.ErrorIs(t, err, session.ErrUnknownEntity, "unobserved zone MUST be rejected")
	assert.Nil(t, plan, "rejected request MUST NOT produce writes")
	assert.Equal(t, uint16(1), p.nextCommandID(), "rejected request MUST NOT consume a command id")
}

func TestCommandIDsAdvance(t *testing.T) {
	p := New(Config{PIN: testPIN})
	req := session.ControlRequest{Kind: entity.KindSwitch, Key: entity.Key{Table: 1, ID: 1}, Values: map[string]string{"state": "ON"}}

	first, err := p.Control(nil, nil, req)
	require.NoError(t, err)
	second, err := p.Control(nil, nil, req)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x00, 0x01}, planPayload(t, first)[:2])
	assert.Equal(t, []byte{0x00, 0x02}, planPayload(t, second)[:2])

	p.cmdID.Store(0xFFFF)
	assert.Equal(t, uint16(1), p.nextCommandID(), "command id MUST skip zero on wrap")
}

func TestSessionKeyLayout(t *testing.T) {
	key, err := SessionKey(DefaultSessionConstant, sessionChallenge, testPIN)
	require.NoError(t, err)
	assert.Len(t, key, SessionKeySize)
	assert.Equal(t, []byte{0xFD, 0x08, 0x56, 0x47}, key[:4])
	assert.Equal(t, testPIN, string(key[4:10]))
	assert.Equal(t, make([]byte, 6), key[10:])

	_, err = SessionKey(DefaultSessionConstant, sessionChallenge, "1234")
	assert.Error(t, err, "short PIN MUST be rejected")
}

func TestFunctionName(t *testing.T) {
	name, ok := FunctionName(11, 0)
	assert.True(t, ok)
	assert.Equal(t, "Ceiling Light", name)

	name, ok = FunctionName(5, 2)
	assert.True(t, ok)
	assert.Equal(t, "Water Pump 2", name)

	_, ok = FunctionName(0, 0)
	assert.False(t, ok, "code 0 MUST NOT resolve")
	_, ok = FunctionName(0x0B00, 0)
	assert.False(t, ok, "big-endian reading of a code MUST NOT resolve")
}

func TestResolveRequiresEveryRole(t *testing.T) {
	p := New(Config{PIN: testPIN, Characteristics: map[string]string{RoleDataWrite: "0000ff01-0000-1000-8000-00805f9b34fb"}})

	all := []string{char(RoleStatus), char(RoleKey), char(RoleChallenge), "ff01", char(RoleDataNotify)}
	assert.NoError(t, p.Resolve(map[string][]string{"svc": all}), "override MUST replace the default role UUID")

	err := p.Resolve(map[string][]string{"svc": all[:4]})
	assert.Error(t, err, "missing role MUST fail resolution")
}
