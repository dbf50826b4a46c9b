package relay

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ActionDeviceConnected    = "ON_DEVICE_CONNECTED"
	ActionDeviceDisconnected = "ON_DEVICE_DISCONNECTED"
)

// ConnectedEnvelope builds the control message announcing a new peer:
// {"action":"ON_DEVICE_CONNECTED","params":{"name":..,"address":..}}
func ConnectedEnvelope(name, address string) ([]byte, error) {
	return envelope(ActionDeviceConnected, map[string]interface{}{
		"name":    name,
		"address": address,
	})
}

// DisconnectedEnvelope builds the control message for a lost peer:
// {"action":"ON_DEVICE_DISCONNECTED","params":{"address":..}}
func DisconnectedEnvelope(address string) ([]byte, error) {
	return envelope(ActionDeviceDisconnected, map[string]interface{}{
		"address": address,
	})
}

func envelope(action string, params map[string]interface{}) ([]byte, error) {
	msg, err := structpb.NewStruct(map[string]interface{}{
		"action": action,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: build %s envelope: %w", action, err)
	}
	b, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal %s envelope: %w", action, err)
	}
	return b, nil
}

// ParseEnvelope reads an envelope back into its action and string params
func ParseEnvelope(b []byte) (string, map[string]string, error) {
	var msg structpb.Struct
	if err := protojson.Unmarshal(b, &msg); err != nil {
		return "", nil, fmt.Errorf("relay: parse envelope: %w", err)
	}
	action := msg.GetFields()["action"].GetStringValue()
	if action == "" {
		return "", nil, fmt.Errorf("relay: envelope has no action")
	}
	params := map[string]string{}
	for k, v := range msg.GetFields()["params"].GetStructValue().GetFields() {
		params[k] = v.GetStringValue()
	}
	return action, params, nil
}
