package reconcile

import (
	"time"

	"github.com/shinji-kodama/portkeeper/internal/history"
)

// ActionAlive marks a worker that needed nothing this tick.
const ActionAlive history.Action = "alive"

// Outcome is what happened to one worker during a tick.
type Outcome struct {
	Worker  string         `json:"worker"`
	Program string         `json:"program"`
	Port    int            `json:"port"`
	OldPort int            `json:"old_port,omitempty"`
	Action  history.Action `json:"action"`
	PID     int            `json:"pid,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Report summarizes one tick.
type Report struct {
	TickID    string        `json:"tick_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Workers is the registry size after the tick.
	Workers int `json:"workers"`

	Alive       int `json:"alive"`
	Restarted   int `json:"restarted"`
	Registered  int `json:"registered"`
	Evicted     int `json:"evicted"`
	Reallocated int `json:"reallocated"`

	// Failed counts outcomes with an error; those are not counted under
	// their action.
	Failed int `json:"failed"`

	Outcomes []Outcome `json:"outcomes"`
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Error != "" {
		r.Failed++
		return
	}
	switch o.Action {
	case ActionAlive:
		r.Alive++
	case history.ActionRestart:
		r.Restarted++
	case history.ActionRegister:
		r.Registered++
	case history.ActionEvict:
		r.Evicted++
	case history.ActionReallocate:
		r.Reallocated++
	}
}
