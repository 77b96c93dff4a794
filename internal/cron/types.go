package cron

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

const (
	ScheduleCron  = "cron"
	ScheduleEvery = "every"
	ScheduleAt    = "at"

	PayloadTrigger = "trigger"
	PayloadPrune   = "prune"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrManagedJob  = errors.New("job is managed by the config file")
)

var exprParser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleCron:
		if _, err := exprParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a time")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Payload says what a job does when it fires.
type Payload struct {
	Kind          string `json:"kind"`
	DeviceID      string `json:"deviceId,omitempty"`
	RetentionDays int    `json:"retentionDays,omitempty"`
}

func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadTrigger:
		if p.DeviceID == "" {
			return fmt.Errorf("trigger job needs a device id")
		}
	case PayloadPrune:
		if p.RetentionDays < 0 {
			return fmt.Errorf("retention days must not be negative")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	// Managed jobs come from the config file and are replaced on every start.
	Managed     bool  `json:"managed,omitempty"`
	CreatedAtMs int64 `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString()[:8],
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

// JobSpec is a job wanted by configuration.
type JobSpec struct {
	Name     string
	Schedule Schedule
	Payload  Payload
}
