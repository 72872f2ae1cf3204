package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/rangeset"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Replica  string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Replica != "" {
		fmt.Fprintf(&buf, " on %s", e.Replica)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages in order.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errors []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertState:
			err = h.assertState(ctx, a)
		case AssertConverged:
			err = h.assertConverged(ctx, a)
		case AssertOpinion:
			err = h.assertOpinion(ctx, a)
		case AssertRanges:
			err = h.assertRanges(ctx, a)
		case AssertDeleted:
			err = h.assertDeleted(ctx, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

// system resolves the identity an assertion inspects.
func (h *Harness) system(a Assertion) (string, model.PublicKey) {
	id := a.System
	if id == "" {
		id = h.replicas[a.Replica].identity()
	}
	return id, h.systems[id]
}

func (h *Harness) assertState(ctx context.Context, a Assertion) error {
	_, system := h.system(a)
	s, err := h.replicas[a.Replica].handle.LoadSystemState(ctx, system)
	if err != nil {
		return err
	}
	actual, err := toJSONMap(s.View())
	if err != nil {
		return err
	}
	expected, err := toJSONMap(h.resolveIdentities(a.Expect))
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     AssertState,
				Replica:  a.Replica,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in view", key),
			}
		}
		if !valuesEqual(got, expected[key]) {
			return &AssertionError{
				Type:     AssertState,
				Replica:  a.Replica,
				Expected: fmt.Sprintf("%s = %v", key, expected[key]),
				Actual:   fmt.Sprintf("%s = %v", key, got),
			}
		}
	}
	return nil
}

// resolveIdentities rewrites identity names under "following" into the
// system strings the view reports.
func (h *Harness) resolveIdentities(expect map[string]any) map[string]any {
	out := make(map[string]any, len(expect))
	for k, v := range expect {
		out[k] = v
	}
	list, ok := expect["following"].([]any)
	if !ok {
		return out
	}
	resolved := make([]any, len(list))
	for i, v := range list {
		resolved[i] = v
		if name, ok := v.(string); ok {
			if system, ok := h.systems[name]; ok {
				resolved[i] = system.String()
			}
		}
	}
	out["following"] = resolved
	return out
}

func (h *Harness) assertConverged(ctx context.Context, a Assertion) error {
	system := h.systems[a.System]
	var first []byte
	for i, name := range a.Replicas {
		s, err := h.replicas[name].handle.LoadSystemState(ctx, system)
		if err != nil {
			return err
		}
		encoded := s.Marshal()
		if i == 0 {
			first = encoded
			continue
		}
		if !bytes.Equal(first, encoded) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s state of %s identical to %s", name, a.System, a.Replicas[0]),
				Actual:   fmt.Sprintf("%s: %+v, %s: %+v", a.Replicas[0], h.view(ctx, a.Replicas[0], system), name, s.View()),
			}
		}
	}
	return nil
}

func (h *Harness) view(ctx context.Context, replica string, system model.PublicKey) any {
	s, err := h.replicas[replica].handle.LoadSystemState(ctx, system)
	if err != nil {
		return err
	}
	return s.View()
}

func (h *Harness) assertOpinion(ctx context.Context, a Assertion) error {
	_, system := h.system(a)
	s, err := h.replicas[a.Replica].handle.LoadSystemState(ctx, system)
	if err != nil {
		return err
	}
	want, _ := model.ParseOpinion(a.Value)
	if got := s.OpinionOf(h.labels[a.Event]); got != want {
		return &AssertionError{
			Type:     AssertOpinion,
			Replica:  a.Replica,
			Expected: fmt.Sprintf("opinion on %s = %s", a.Event, want),
			Actual:   fmt.Sprintf("opinion on %s = %s", a.Event, got),
		}
	}
	return nil
}

func (h *Harness) assertRanges(ctx context.Context, a Assertion) error {
	owner := h.replicas[a.Process]
	system := h.systems[owner.identity()]
	if a.System != "" {
		system = h.systems[a.System]
	}
	prs, err := h.replicas[a.Replica].handle.Ranges(ctx, system)
	if err != nil {
		return err
	}
	got := rangeset.New()
	for _, pr := range prs {
		if pr.Process == owner.handle.Process() {
			got = pr.Ranges
		}
	}
	if got.String() != a.Value {
		return &AssertionError{
			Type:     AssertRanges,
			Replica:  a.Replica,
			Expected: fmt.Sprintf("clocks of %s = %s", a.Process, a.Value),
			Actual:   fmt.Sprintf("clocks of %s = %s", a.Process, got),
		}
	}
	return nil
}

func (h *Harness) assertDeleted(ctx context.Context, a Assertion) error {
	rec, err := h.replicas[a.Replica].handle.Store().GetRecord(ctx, h.labels[a.Event])
	if err != nil {
		return err
	}
	actual := "absent"
	switch {
	case rec == nil:
	case rec.IsTombstone():
		return nil
	default:
		actual = "event stored"
	}
	return &AssertionError{
		Type:     AssertDeleted,
		Replica:  a.Replica,
		Expected: fmt.Sprintf("%s tombstoned", a.Event),
		Actual:   actual,
	}
}

// toJSONMap normalizes v through JSON so YAML-decoded expectations and
// struct values compare with the same types.
func toJSONMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func valuesEqual(actual, expected any) bool {
	if actual == nil && expected == nil {
		return true
	}
	if actual == nil || expected == nil {
		return false
	}
	return reflect.DeepEqual(actual, expected)
}
