package pipeline

import (
	"time"
)

// Decision is the classification of a candidate before any work is done.
type Decision string

const (
	DecisionSkipLedger       Decision = "skip-already-in-ledger"
	DecisionSkipOutputExists Decision = "skip-output-exists"
	DecisionProcess          Decision = "process"
)

// State is where a candidate ended up in a cycle.
type State string

const (
	StateSkippedLedger       State = "skipped_ledger"
	StateSkippedOutputExists State = "skipped_output_exists"
	// StateDeferred is a process decision beyond the per-cycle limit. It is
	// picked up again on a later cycle.
	StateDeferred State = "deferred"
	// StateWouldProcess is a process decision in a dry run.
	StateWouldProcess State = "would_process"
	StateRecorded     State = "recorded"
	// StateFailedFinal means transient faults outlasted every retry.
	StateFailedFinal State = "failed_final"
	// StateFailedPermanent means the engine refused the file, or the failure
	// was not of a retryable kind.
	StateFailedPermanent State = "failed_permanent"
	// StateInconsistent means the output was published but could not be
	// recorded in the ledger. It needs manual reconciliation.
	StateInconsistent State = "inconsistent"
)

// States lists every State in the order a candidate can reach them.
var States = []State{
	StateSkippedLedger,
	StateSkippedOutputExists,
	StateDeferred,
	StateWouldProcess,
	StateRecorded,
	StateFailedFinal,
	StateFailedPermanent,
	StateInconsistent,
}

// Outcome is the result for a single candidate in a cycle.
type Outcome struct {
	Name     string   `json:"name" yaml:"name"`
	Hash     string   `json:"hash,omitempty" yaml:"hash,omitempty"`
	Size     int64    `json:"size" yaml:"size"`
	Decision Decision `json:"decision,omitempty" yaml:"decision,omitempty"`
	State    State    `json:"state" yaml:"state"`

	Attempts   int           `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Output     string        `json:"output,omitempty" yaml:"output,omitempty"`
	OutputSize int64         `json:"output_size,omitempty" yaml:"output_size,omitempty"`
	Duration   time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	// Duplicate is set when the ledger already held the hash at commit time.
	Duplicate bool   `json:"duplicate,omitempty" yaml:"duplicate,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`

	Err error `json:"-" yaml:"-"`
}

func (o *Outcome) fail(state State, err error) {
	o.State = state
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
}

// Report summarizes one cycle.
type Report struct {
	InputDir  string    `json:"input_dir" yaml:"input_dir"`
	OutputDir string    `json:"output_dir" yaml:"output_dir"`
	DryRun    bool      `json:"dry_run" yaml:"dry_run"`
	Limit     int       `json:"limit" yaml:"limit"`
	Started   time.Time `json:"started" yaml:"started"`
	Finished  time.Time `json:"finished" yaml:"finished"`
	Outcomes  []Outcome `json:"outcomes" yaml:"outcomes"`
}

// Count returns how many outcomes ended in state.
func (r *Report) Count(state State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

// Decided returns how many candidates were classified as decision.
func (r *Report) Decided(decision Decision) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Decision == decision {
			n++
		}
	}
	return n
}

// Failed returns the number of per-file failures of any kind.
func (r *Report) Failed() int {
	return r.Count(StateFailedFinal) + r.Count(StateFailedPermanent) + r.Count(StateInconsistent)
}

// Summary returns counts by state, for logging.
func (r *Report) Summary() map[State]int {
	out := make(map[State]int)
	for _, o := range r.Outcomes {
		out[o.State]++
	}
	return out
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}
