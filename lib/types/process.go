package types

import (
	"time"

	"github.com/coder/climulti/lib/util"
	"github.com/danielgtaylor/huma/v2"
)

type ProcessStatus string

const (
	ProcessStatusNotStarted ProcessStatus = "not_started"
	ProcessStatusStarting   ProcessStatus = "starting"
	ProcessStatusRunning    ProcessStatus = "running"
	ProcessStatusExited     ProcessStatus = "exited"
	ProcessStatusFinished   ProcessStatus = "finished"
)

var ProcessStatusValues = []ProcessStatus{
	ProcessStatusNotStarted,
	ProcessStatusStarting,
	ProcessStatusRunning,
	ProcessStatusExited,
	ProcessStatusFinished,
}

func (p ProcessStatus) Schema(r huma.Registry) *huma.Schema {
	return util.OpenAPISchema(r, "ProcessStatus", ProcessStatusValues)
}

type Process struct {
	Identifier string        `json:"identifier" doc:"Identifier of the tracked process"`
	Status     ProcessStatus `json:"status" doc:"Lifecycle status inferred from the PID file"`
	PID        int           `json:"pid,omitempty" doc:"OS process id reported by the worker, if any"`
	Started    bool          `json:"started"`
	Running    bool          `json:"running"`
	Finished   bool          `json:"finished"`
	AgeSeconds int64         `json:"age_seconds" doc:"Seconds since the server started tracking this process"`
}

type ProcessPathInput struct {
	Identifier string `path:"identifier" doc:"Identifier of the tracked process" maxLength:"255"`
}

type ProcessResponse struct {
	Body Process
}

type ProcessesResponse struct {
	Body struct {
		Processes []Process `json:"processes" nullable:"false"`
	}
}

type HealthResponse struct {
	Body struct {
		Status         string `json:"status"`
		ProbeSupported bool   `json:"probe_supported" doc:"Whether the server can tell if a reported pid is alive"`
	}
}

type StatusChangeBody struct {
	Identifier string        `json:"identifier"`
	Status     ProcessStatus `json:"status"`
	PID        int           `json:"pid,omitempty"`
	Time       time.Time     `json:"time"`
}

type ErrorBody struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
