package flowengine

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/c360/taskflow/errors"
)

// Status is the engine status code reported to collaborators. The numeric
// values are part of the device protocol.
type Status int

// Lifecycle states
const (
	StatusRunning  Status = 0
	StatusStarting Status = 1
	StatusStopping Status = 2
	StatusStopped  Status = 3
	StatusPaused   Status = 4
)

// Error states
const (
	StatusErrGeneral        Status = 100
	StatusErrJSONParse      Status = 101
	StatusErrModuleNotFound Status = 102
	StatusErrModuleInstance Status = 103
	StatusErrModuleParams   Status = 104
	StatusErrModuleWiring   Status = 105
	StatusErrModuleStart    Status = 106
	StatusErrModuleInternal Status = 107
)

// Busy policy states
const (
	StatusBusyFirmwareUpdate   Status = 108
	StatusBusyVoiceInteraction Status = 109
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStarting:
		return "starting"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusPaused:
		return "paused"
	case StatusErrGeneral:
		return "error"
	case StatusErrJSONParse:
		return "error_json_parse"
	case StatusErrModuleNotFound:
		return "error_module_not_found"
	case StatusErrModuleInstance:
		return "error_module_instance"
	case StatusErrModuleParams:
		return "error_module_params"
	case StatusErrModuleWiring:
		return "error_module_wiring"
	case StatusErrModuleStart:
		return "error_module_start"
	case StatusErrModuleInternal:
		return "error_module_internal"
	case StatusBusyFirmwareUpdate:
		return "busy_firmware_update"
	case StatusBusyVoiceInteraction:
		return "busy_voice_interaction"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsError reports whether s is one of the error codes
func (s Status) IsError() bool {
	return s >= StatusErrGeneral && s <= StatusErrModuleInternal
}

// IsBusy reports whether s is a busy policy state
func (s Status) IsBusy() bool {
	return s == StatusBusyFirmwareUpdate || s == StatusBusyVoiceInteraction
}

// Busy selects a policy state in which the engine refuses flows
type Busy int

// Busy policies
const (
	BusyNone Busy = iota
	BusyFirmwareUpdate
	BusyVoiceInteraction
)

// Status returns the status reported while the policy is active
func (b Busy) Status() Status {
	switch b {
	case BusyFirmwareUpdate:
		return StatusBusyFirmwareUpdate
	case BusyVoiceInteraction:
		return StatusBusyVoiceInteraction
	default:
		return StatusStopped
	}
}

// StatusEvent is delivered to the OnStatus callback on every status report
type StatusEvent struct {
	TaskID        int64     `json:"tlid"`
	CorrelationID int64     `json:"ctd"`
	Status        Status    `json:"status"`
	StatusName    string    `json:"status_name"`
	Module        string    `json:"module,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// ModuleStatusEvent is delivered to the OnModuleStatus callback
type ModuleStatusEvent struct {
	TaskID int64     `json:"tlid"`
	Module string    `json:"module"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// StatusFromError maps an error from the build pipeline to its status code.
// nil maps to StatusRunning; unknown errors to StatusErrGeneral.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusRunning
	case stderrors.Is(err, errors.ErrInvalidSchema):
		return StatusErrJSONParse
	case stderrors.Is(err, errors.ErrModuleNotFound):
		return StatusErrModuleNotFound
	case stderrors.Is(err, errors.ErrModuleInstance):
		return StatusErrModuleInstance
	case stderrors.Is(err, errors.ErrModuleParams):
		return StatusErrModuleParams
	case stderrors.Is(err, errors.ErrModuleWiring):
		return StatusErrModuleWiring
	case stderrors.Is(err, errors.ErrModuleStart):
		return StatusErrModuleStart
	default:
		return StatusErrGeneral
	}
}
