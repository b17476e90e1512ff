package agent

import "testing"

func TestDispatchRunsPlainCommand(t *testing.T) {
	s := NewServer("test")
	res := s.dispatch(request{Command: []string{"true"}})
	if res.ExitCode != 0 {
		t.Errorf("dispatch(true): exit %d, stderr %q", res.ExitCode, res.Stderr)
	}
}

func TestDispatchEmptyCommand(t *testing.T) {
	s := NewServer("test")
	res := s.dispatch(request{})
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code for an empty command")
	}
}
