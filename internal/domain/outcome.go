package domain

// UnitStatus is the result of one sub-unit of a run
type UnitStatus string

const (
	UnitSucceeded        UnitStatus = "succeeded"
	UnitRetriedSucceeded UnitStatus = "retried_succeeded"
	UnitFailed           UnitStatus = "failed"
	UnitSkipped          UnitStatus = "skipped"
	UnitUnreached        UnitStatus = "unreached"
)

// RunStatus is the overall result of a run
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// UnitOutcome describes one sub-unit, e.g. "S1/audio" or a replica ID
type UnitOutcome struct {
	Unit       string     `json:"unit"`
	Status     UnitStatus `json:"status"`
	Attempts   int        `json:"attempts,omitempty"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// OutcomeReport is the structured result of a pipeline job or a backup run
type OutcomeReport struct {
	JobID  string        `json:"job_id"`
	Status RunStatus     `json:"status"`
	Units  []UnitOutcome `json:"units"`
}

// Add appends a unit outcome
func (r *OutcomeReport) Add(u UnitOutcome) {
	r.Units = append(r.Units, u)
}

// Failed returns the units that did not succeed
func (r *OutcomeReport) Failed() []UnitOutcome {
	var out []UnitOutcome
	for _, u := range r.Units {
		if u.Status == UnitFailed || u.Status == UnitUnreached {
			out = append(out, u)
		}
	}
	return out
}

// Unit looks a unit up by name
func (r *OutcomeReport) Unit(name string) (UnitOutcome, bool) {
	for _, u := range r.Units {
		if u.Unit == name {
			return u, true
		}
	}
	return UnitOutcome{}, false
}

// Finalize derives Status from the units. A report with no successful unit is
// failed, one with some failures is partial.
func (r *OutcomeReport) Finalize() RunStatus {
	var ok, bad int
	for _, u := range r.Units {
		switch u.Status {
		case UnitSucceeded, UnitRetriedSucceeded, UnitSkipped:
			ok++
		case UnitFailed, UnitUnreached:
			bad++
		}
	}

	switch {
	case bad == 0:
		r.Status = RunCompleted
	case ok == 0:
		r.Status = RunFailed
	default:
		r.Status = RunPartial
	}
	return r.Status
}

// SucceededStatus picks the success status for a unit that took attempts tries
func SucceededStatus(attempts int) UnitStatus {
	if attempts > 1 {
		return UnitRetriedSucceeded
	}
	return UnitSucceeded
}
