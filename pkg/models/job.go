// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package models contains shared data models and constants used by the
// orchestration controller, the notification scanner, and tests.
package models

import (
	"encoding/json"
	"time"
)

// Kind identifies the type of work a job carries. The routing table is the
// authoritative closed set; values outside it are rejected at intake.
type Kind string

const (
	KindAI     Kind = "ai"
	KindModel  Kind = "model"
	KindCAM    Kind = "cam"
	KindSim    Kind = "sim"
	KindReport Kind = "report"
	KindERP    Kind = "erp"

	// Legacy kinds alias onto family queues.
	KindAssembly    Kind = "assembly"
	KindCADGenerate Kind = "cad_generate"
	KindCADImport   Kind = "cad_import"
	KindCADExport   Kind = "cad_export"
	KindModelRepair Kind = "model_repair"
	KindCAMProcess  Kind = "cam_process"
	KindCAMOptimize Kind = "cam_optimize"
	KindGCodePost   Kind = "gcode_post"
	KindGCodeVerify Kind = "gcode_verify"
	KindSimRun      Kind = "sim_run"
	KindSimCollide  Kind = "sim_collision"
)

// String returns the string value of the Kind.
func (k Kind) String() string { return string(k) }

// JobState is the lifecycle state of an orchestrated job.
// States advance PENDING → QUEUED → RUNNING → {COMPLETED|FAILED|TIMEOUT};
// any non-terminal state may move to CANCELLED once cancellation is observed.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
	JobStateTimeout   JobState = "TIMEOUT"
)

// Valid reports whether the state is one of the allowed states.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateQueued, JobStateRunning,
		JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state admits no further transitions
// (COMPLETED, FAILED, CANCELLED, or TIMEOUT).
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimeout:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobState.
func (s JobState) String() string { return string(s) }

// Progress is the worker-reported completion snapshot of a running job.
// Percent is monotone non-decreasing within one run.
type Progress struct {
	Percent   int        `json:"percent"`
	Step      string     `json:"step,omitempty"`
	Message   string     `json:"message,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// JobError is the structured last-error detail recorded on a job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job represents a single orchestrated work request and its lifecycle.
// Intake validates the params at creation time and then treats them as
// opaque JSON, persisting them for queue workers to consume.
type Job struct {
	ID              string          `json:"job_id" db:"id"`
	UserID          int64           `json:"user_id" db:"user_id"`
	SubmittedBy     string          `json:"submitted_by" db:"submitted_by"`
	Kind            Kind            `json:"kind" db:"kind"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	State           JobState        `json:"state" db:"state"`
	Priority        int             `json:"priority" db:"priority"`
	Attempts        int             `json:"attempts" db:"attempts"`
	MaxRetries      int             `json:"max_retries" db:"max_retries"`
	TimeoutSeconds  int             `json:"timeout_seconds" db:"timeout_seconds"`
	CancelRequested bool            `json:"cancel_requested" db:"cancel_requested"`
	Progress        Progress        `json:"progress"`
	Params          json.RawMessage `json:"params" db:"params_json"`
	ParamsHash      string          `json:"params_hash" db:"params_hash"`
	BrokerTaskID    *string         `json:"broker_task_id,omitempty" db:"broker_task_id"`
	LastError       *JobError       `json:"last_error,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty" db:"metadata_json"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// Artefact is an immutable record of a worker output. The blob itself lives
// in external object storage; the row carries only the reference and digest.
type Artefact struct {
	ID        int64     `json:"id" db:"id"`
	JobID     string    `json:"job_id" db:"job_id"`
	Type      string    `json:"type" db:"type"`
	BlobKey   string    `json:"blob_key" db:"blob_key"`
	Size      int64     `json:"size" db:"size"`
	SHA256    string    `json:"sha256" db:"sha256"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewJob constructs a Job in PENDING with initial timestamps and a first
// attempt counted. Caller assigns a unique ID (e.g. uuid), the routing
// defaults, and the params hash before persistence.
func NewJob(userID int64, submittedBy string, kind Kind, params json.RawMessage) Job {
	now := time.Now().UTC()
	return Job{
		UserID:      userID,
		SubmittedBy: submittedBy,
		Kind:        kind,
		State:       JobStatePending,
		Attempts:    1,
		Params:      params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
