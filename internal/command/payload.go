package command

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	gojson "github.com/goccy/go-json"

	"github.com/rustdash/relay-plane/internal/model"
)

type TeamMessagePayload struct {
	Message string `json:"message" validate:"required,min=1,max=128"`
}

type EntityPayload struct {
	EntityID uint32 `json:"entityId" validate:"required"`
}

type EntityValuePayload struct {
	EntityID uint32 `json:"entityId" validate:"required"`
	Value    *bool  `json:"value" validate:"required"`
}

type PromotePayload struct {
	SteamID string `json:"steamId" validate:"required,numeric,len=17"`
}

// payloadShapes maps every relayable command to its payload type. A nil
// constructor means the command takes no payload.
var payloadShapes = map[model.CommandName]func() any{
	model.CmdGetInfo:           nil,
	model.CmdGetTime:           nil,
	model.CmdGetMap:            nil,
	model.CmdGetMapMarkers:     nil,
	model.CmdGetTeamInfo:       nil,
	model.CmdSendTeamMessage:   func() any { return &TeamMessagePayload{} },
	model.CmdGetEntityInfo:     func() any { return &EntityPayload{} },
	model.CmdSetEntityValue:    func() any { return &EntityValuePayload{} },
	model.CmdCheckSubscription: func() any { return &EntityPayload{} },
	model.CmdSetSubscription:   func() any { return &EntityValuePayload{} },
	model.CmdPromoteToLeader:   func() any { return &PromotePayload{} },
}

func Known(cmd model.CommandName) bool {
	_, ok := payloadShapes[cmd]
	return ok
}

func validatePayload(v *validator.Validate, cmd model.CommandName, raw json.RawMessage) error {
	shape, ok := payloadShapes[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if shape == nil {
		return nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%s requires a payload", cmd)
	}
	dst := shape()
	if err := gojson.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s payload: %v", cmd, err)
	}
	if err := v.Struct(dst); err != nil {
		return fmt.Errorf("%s payload: %v", cmd, err)
	}
	return nil
}
