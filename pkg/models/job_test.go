package models

import "testing"

func TestMapClusterState(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected RunState
	}{
		{"running", "RUNNING", RunStateRunning},
		{"accepted", "ACCEPTED", RunStateAccepted},
		{"submitted maps to accepted", "SUBMITTED", RunStateAccepted},
		{"finished", "FINISHED", RunStateFinished},
		{"failed", "FAILED", RunStateFailed},
		{"killed maps to cancelled", "KILLED", RunStateCancelled},
		{"lost", "LOST", RunStateLost},
		{"unrecognized is unknown", "REBALANCING", RunStateUnknown},
		{"empty is unknown", "", RunStateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapClusterState(tt.input); got != tt.expected {
				t.Errorf("MapClusterState(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestRunStateIsTerminal(t *testing.T) {
	terminal := []RunState{RunStateFinished, RunStateFailed, RunStateCancelled, RunStateLost}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []RunState{RunStateAccepted, RunStateRunning, RunStateUnknown} {
		if s.IsTerminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestDeployModeValid(t *testing.T) {
	for _, m := range []DeployMode{
		DeployStandaloneSession, DeployStandaloneApplication,
		DeployResourcePerJob, DeployResourceApplication,
		DeployK8sSession, DeployK8sApplication,
	} {
		if !m.Valid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if DeployMode("mesos").Valid() {
		t.Error("unknown mode should not be valid")
	}
}

func TestDeployModeIsRemote(t *testing.T) {
	if !DeployStandaloneSession.IsRemote() || !DeployStandaloneApplication.IsRemote() {
		t.Error("standalone modes are remote")
	}
	if DeployK8sApplication.IsRemote() || DeployResourcePerJob.IsRemote() {
		t.Error("orchestrator/resource-manager modes are not remote")
	}
}
