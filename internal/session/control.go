package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/sink"
)

// ControlRequest is an inbound control message normalized to field -> value.
type ControlRequest struct {
	Kind   entity.Kind
	Key    entity.Key
	Values map[string]string
}

// Value returns a normalized field.
func (r ControlRequest) Value(field string) (string, bool) {
	v, ok := r.Values[field]
	return v, ok
}

// Int returns a field parsed as an integer.
func (r ControlRequest) Int(field string) (int, bool, error) {
	v, ok := r.Values[field]
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidCommand, field, v)
	}
	return int(f), true, nil
}

// ParseControl turns a command topic address and payload into a request.
//
//	.../light/1/2            "ON" | "OFF" | {"state":"ON","brightness":200}
//	.../light/1/2/brightness "200"
//	.../climate/1/2/mode     "heat"
func ParseControl(addr sink.CommandAddress, payload []byte) (ControlRequest, error) {
	req := ControlRequest{Kind: addr.Kind, Key: addr.Key, Values: make(map[string]string)}
	body := strings.TrimSpace(string(payload))
	if body == "" {
		return req, fmt.Errorf("%w: empty payload", ErrInvalidCommand)
	}

	switch {
	case addr.Sub != "":
		req.Values[addr.Sub] = body
	case strings.HasPrefix(body, "{"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			return req, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		for k, v := range obj {
			switch val := v.(type) {
			case string:
				req.Values[k] = val
			case float64:
				req.Values[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				req.Values[k] = strconv.FormatBool(val)
			default:
				return req, fmt.Errorf("%w: field %q has unsupported type %T", ErrInvalidCommand, k, v)
			}
		}
	default:
		req.Values["state"] = body
	}

	if st, ok := req.Values["state"]; ok {
		switch strings.ToUpper(st) {
		case "ON", "TRUE", "1":
			req.Values["state"] = "ON"
		case "OFF", "FALSE", "0":
			req.Values["state"] = "OFF"
		default:
			return req, fmt.Errorf("%w: state %q", ErrInvalidCommand, st)
		}
	}
	return req, nil
}

// checkControllable rejects kinds that never accept control.
func checkControllable(kind entity.Kind) error {
	switch kind {
	case entity.KindCover:
		return ErrControlDisabled
	case entity.KindTank, entity.KindSensor:
		return ErrReadOnly
	case entity.KindSwitch, entity.KindLight, entity.KindHVAC:
		return nil
	}
	return fmt.Errorf("%w: kind %q", ErrUnknownEntity, kind)
}
