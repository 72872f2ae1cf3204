package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/polycentric/internal/state"
)

// Snapshot captures the replicas after a scenario run. It is serialized
// with encoding/json for golden comparison; every field is deterministic.
type Snapshot struct {
	ScenarioName string            `json:"scenario_name"`
	Replicas     []ReplicaSnapshot `json:"replicas"`
}

// ReplicaSnapshot lists the identities a replica holds events for, in
// order of first appearance in the scenario.
type ReplicaSnapshot struct {
	Name       string             `json:"name"`
	Identities []IdentitySnapshot `json:"identities"`
}

type IdentitySnapshot struct {
	Identity string     `json:"identity"`
	Events   uint64     `json:"events"`
	View     state.View `json:"view"`
}

func (h *Harness) snapshot(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{ScenarioName: h.scenario.Name, Replicas: []ReplicaSnapshot{}}
	for _, r := range h.scenario.Replicas {
		rs := ReplicaSnapshot{Name: r.Name, Identities: []IdentitySnapshot{}}
		handle := h.replicas[r.Name].handle
		for _, id := range h.order {
			prs, err := handle.Ranges(ctx, h.systems[id])
			if err != nil {
				return nil, err
			}
			var events uint64
			for _, pr := range prs {
				events += pr.Ranges.Len()
			}
			if events == 0 {
				continue
			}
			st, err := handle.LoadSystemState(ctx, h.systems[id])
			if err != nil {
				return nil, err
			}
			rs.Identities = append(rs.Identities, IdentitySnapshot{Identity: id, Events: events, View: st.View()})
		}
		s.Replicas = append(s.Replicas, rs)
	}
	return s, nil
}

// Marshal returns the indented JSON form of s with a trailing newline.
func (s *Snapshot) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario, fails the test on any assertion error
// and compares the snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's snapshot against its golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := result.Snapshot.Marshal()
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
