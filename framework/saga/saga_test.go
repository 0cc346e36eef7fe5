package saga

import (
	"testing"
	"time"
)

func TestStatus_Transitions(t *testing.T) {
	valid := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusCompensating},
		{StatusRunning, StatusTimedOut},
		{StatusTimedOut, StatusCompensating},
		{StatusCompensating, StatusCompensated},
		{StatusCompensating, StatusFailed},
	}
	for _, tc := range valid {
		if !statusMachine.Can(tc.from, tc.to) {
			t.Errorf("%s -> %s must be permitted", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusCompensated, StatusCompensating},
		{StatusFailed, StatusRunning},
	}
	for _, tc := range invalid {
		if statusMachine.Can(tc.from, tc.to) {
			t.Errorf("%s -> %s must not be permitted", tc.from, tc.to)
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCompensated, StatusFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}

	active := []Status{StatusPending, StatusRunning, StatusCompensating, StatusTimedOut}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestSaga_Expired(t *testing.T) {
	saga := NewSaga("key", nil, time.Second)

	if saga.Expired(saga.StartedAt.Add(500 * time.Millisecond)) {
		t.Error("saga must not be expired before timeout")
	}
	if !saga.Expired(saga.StartedAt.Add(2 * time.Second)) {
		t.Error("saga must be expired after timeout")
	}

	noTimeout := NewSaga("key-2", nil, 0)
	if noTimeout.Expired(noTimeout.StartedAt.Add(time.Hour)) {
		t.Error("saga without timeout never expires")
	}
}

func TestSaga_CloneIsIndependent(t *testing.T) {
	saga := NewSaga("key", []Step{
		{Index: 0, Name: "a", Status: StepStatusPending, Compensation: &Compensation{Action: "undo-a"}},
	}, 0)

	clone := saga.Clone()
	clone.Steps[0].Status = StepStatusCompleted
	clone.Steps[0].Compensation.Action = "changed"

	if saga.Steps[0].Status != StepStatusPending {
		t.Error("mutating clone step must not affect original")
	}
	if saga.Steps[0].Compensation.Action != "undo-a" {
		t.Error("mutating clone compensation must not affect original")
	}
}
