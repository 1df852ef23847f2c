package volunteer

import "testing"

func TestVolunteer_BusyIdleCounters(t *testing.T) {
	v := New()
	if v.Status != StatusIdle {
		t.Fatalf("expected idle, got %s", v.Status)
	}

	v.SetBusy("job-1")
	if v.Status != StatusBusy || v.CurrentJobID != "job-1" {
		t.Errorf("unexpected busy state: %s %s", v.Status, v.CurrentJobID)
	}

	v.SetIdle(true)
	v.SetBusy("job-2")
	v.SetIdle(false)

	if v.Status != StatusIdle || v.CurrentJobID != "" {
		t.Errorf("unexpected idle state: %s %s", v.Status, v.CurrentJobID)
	}
	if v.JobsCompleted != 1 || v.JobsFailed != 1 {
		t.Errorf("expected 1/1, got %d/%d", v.JobsCompleted, v.JobsFailed)
	}
}
