// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package command

// MAVLink is the flight-controller command carried inside the wire payload.
type MAVLink struct {
	CommandID       int     `json:"command_id"`
	TargetSystem    int     `json:"target_system"`
	TargetComponent int     `json:"target_component"`
	Param1          float64 `json:"param1"`
	Param2          float64 `json:"param2"`
	Param3          float64 `json:"param3"`
	Param4          float64 `json:"param4"`
	Param5          float64 `json:"param5"`
	Param6          float64 `json:"param6"`
	Param7          float64 `json:"param7"`
	Confirmation    int     `json:"confirmation"`
}

// MAV_CMD values.
const (
	mavCmdNavLoiterUnlim     = 17
	mavCmdNavReturnToLaunch  = 20
	mavCmdNavLand            = 21
	mavCmdNavTakeoff         = 22
	mavCmdDoSetMode          = 176
	mavCmdDoReposition       = 192
	mavCmdPreflightReboot    = 246
	mavCmdComponentArmDisarm = 400
	forceDisarmMagic         = 21196
	defaultTakeoffAltitude   = 10.0
	defaultTargetSystem      = 1
	defaultTargetComponent   = 1
)

var mavlinkCodes = map[Type]int{
	Arm:           mavCmdComponentArmDisarm,
	Disarm:        mavCmdComponentArmDisarm,
	EmergencyStop: mavCmdComponentArmDisarm,
	Takeoff:       mavCmdNavTakeoff,
	Land:          mavCmdNavLand,
	RTL:           mavCmdNavReturnToLaunch,
	Hold:          mavCmdNavLoiterUnlim,
	SetMode:       mavCmdDoSetMode,
	Reboot:        mavCmdPreflightReboot,
	Goto:          mavCmdDoReposition,
}

// Translate maps an abstract command to its MAVLink form. Types without a
// code return nil and travel with params only.
func Translate(t Type, params map[string]any) *MAVLink {
	code, ok := mavlinkCodes[t]
	if !ok {
		return nil
	}
	m := &MAVLink{
		CommandID:       code,
		TargetSystem:    defaultTargetSystem,
		TargetComponent: defaultTargetComponent,
	}

	switch t {
	case Arm:
		m.Param1 = 1
	case Disarm:
		m.Param1 = 0
	case Takeoff:
		m.Param7 = number(params, "altitude", defaultTakeoffAltitude)
	case Goto:
		m.Param5 = number(params, "lat", 0)
		m.Param6 = number(params, "lng", 0)
		m.Param7 = number(params, "alt", 0)
	case EmergencyStop:
		m.Param1 = 0
		m.Param2 = forceDisarmMagic
	}
	return m
}

func number(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}
