package migration

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

const (
	eventComplete = "complete"
	eventFail     = "fail"
)

type Step struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       StepStatus `json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Run is the persisted record of one migrate or rollback call.
type Run struct {
	ID          string     `json:"id"`
	Direction   Direction  `json:"direction"`
	FromVersion string     `json:"fromVersion"`
	ToVersion   string     `json:"toVersion"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Status      RunStatus  `json:"status"`
	Steps       []Step     `json:"steps"`
	BackupID    string     `json:"backupId,omitempty"`
}

// tracker drives the run and step state machines and mirrors their state
// into the Run it owns.
type tracker struct {
	run   *Run
	runSM *fsm.FSM
	steps []*fsm.FSM
	now   func() time.Time
}

func newTracker(run *Run, now func() time.Time) *tracker {
	t := &tracker{run: run, now: now}
	t.runSM = fsm.NewFSM(
		string(RunInProgress),
		fsm.Events{
			{Name: eventComplete, Src: []string{string(RunInProgress)}, Dst: string(RunCompleted)},
			{Name: eventFail, Src: []string{string(RunInProgress)}, Dst: string(RunFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				ts := t.now().UTC()
				t.run.Status = RunStatus(e.Dst)
				t.run.CompletedAt = &ts
			},
		},
	)
	for i := range run.Steps {
		i := i
		t.steps = append(t.steps, fsm.NewFSM(
			string(StepPending),
			fsm.Events{
				{Name: eventComplete, Src: []string{string(StepPending)}, Dst: string(StepCompleted)},
				{Name: eventFail, Src: []string{string(StepPending)}, Dst: string(StepFailed)},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					ts := t.now().UTC()
					t.run.Steps[i].Status = StepStatus(e.Dst)
					t.run.Steps[i].CompletedAt = &ts
				},
			},
		))
	}
	return t
}

func (t *tracker) startStep(i int) {
	ts := t.now().UTC()
	t.run.Steps[i].StartedAt = &ts
}

func (t *tracker) completeStep(ctx context.Context, i int) error {
	return t.steps[i].Event(ctx, eventComplete)
}

func (t *tracker) failStep(ctx context.Context, i int, msg string) error {
	t.run.Steps[i].ErrorMessage = msg
	return t.steps[i].Event(ctx, eventFail)
}

func (t *tracker) finish(ctx context.Context, ok bool) error {
	if ok {
		return t.runSM.Event(ctx, eventComplete)
	}
	return t.runSM.Event(ctx, eventFail)
}
