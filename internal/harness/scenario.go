package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/polycentric/internal/model"
)

// Scenario is a scripted run over a set of replicas.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Replicas are created in order before any step runs.
	Replicas []Replica `yaml:"replicas"`

	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Replica declares one handle with its own store.
type Replica struct {
	Name string `yaml:"name"`

	// Identity names the system this replica writes as. Defaults to Name.
	Identity string `yaml:"identity,omitempty"`

	// Clock is the first millisecond reading. Defaults to 1000.
	Clock uint64 `yaml:"clock,omitempty"`
}

func (r Replica) identity() string {
	if r.Identity != "" {
		return r.Identity
	}
	return r.Name
}

// Step runs one action on Replica.
type Step struct {
	Replica string `yaml:"replica"`

	// At pins the replica's clock before the action.
	At *uint64 `yaml:"at,omitempty"`

	// As labels the event the action appended.
	As string `yaml:"as,omitempty"`

	SetUsername    *string      `yaml:"set_username,omitempty"`
	SetDescription *string      `yaml:"set_description,omitempty"`
	Post           *string      `yaml:"post,omitempty"`
	Claim          *ClaimStep   `yaml:"claim,omitempty"`
	Follow         string       `yaml:"follow,omitempty"`
	Unfollow       string       `yaml:"unfollow,omitempty"`
	AddServer      string       `yaml:"add_server,omitempty"`
	RemoveServer   string       `yaml:"remove_server,omitempty"`
	Opinion        *OpinionStep `yaml:"opinion,omitempty"`
	Delete         string       `yaml:"delete,omitempty"`
	Sync           *SyncStep    `yaml:"sync,omitempty"`
	Deliver        *DeliverStep `yaml:"deliver,omitempty"`
}

// ClaimStep appends a claim. Type is a claim type name such as "github".
type ClaimStep struct {
	Type       string `yaml:"type"`
	Identifier string `yaml:"identifier"`
}

// OpinionStep sets the replica's opinion on a labelled event.
type OpinionStep struct {
	Event string `yaml:"event"`
	Value string `yaml:"value"`
}

// SyncStep runs full sync rounds between the step's replica and With.
// System names the identity to sync and defaults to the replica's own.
type SyncStep struct {
	With   string `yaml:"with"`
	System string `yaml:"system,omitempty"`
}

// DeliverStep ingests a single labelled event on To, bypassing sync.
type DeliverStep struct {
	Event string `yaml:"event"`
	To    string `yaml:"to"`
}

// actions returns the names of the actions set on s.
func (s *Step) actions() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(s.SetUsername != nil, "set_username")
	add(s.SetDescription != nil, "set_description")
	add(s.Post != nil, "post")
	add(s.Claim != nil, "claim")
	add(s.Follow != "", "follow")
	add(s.Unfollow != "", "unfollow")
	add(s.AddServer != "", "add_server")
	add(s.RemoveServer != "", "remove_server")
	add(s.Opinion != nil, "opinion")
	add(s.Delete != "", "delete")
	add(s.Sync != nil, "sync")
	add(s.Deliver != nil, "deliver")
	return out
}

// Assertion checks the replicas after the last step.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Replica is the replica whose store is inspected.
	Replica string `yaml:"replica,omitempty"`

	// Replicas lists the replicas compared by converged.
	Replicas []string `yaml:"replicas,omitempty"`

	// System names the identity whose projection is inspected. Defaults to
	// the identity of Replica.
	System string `yaml:"system,omitempty"`

	// Event is a step label (used by opinion and deleted).
	Event string `yaml:"event,omitempty"`

	// Process names the replica whose process is inspected (used by ranges).
	Process string `yaml:"process,omitempty"`

	// Expect holds view fields for state. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Value is the expected opinion name or range string.
	Value string `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertState     = "state"
	AssertConverged = "converged"
	AssertOpinion   = "opinion"
	AssertRanges    = "ranges"
	AssertDeleted   = "deleted"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	replicas := make(map[string]bool)
	identities := make(map[string]bool)
	for i, r := range s.Replicas {
		if r.Name == "" {
			return fmt.Errorf("replicas[%d]: name is required", i)
		}
		if replicas[r.Name] {
			return fmt.Errorf("replicas[%d]: duplicate replica %q", i, r.Name)
		}
		replicas[r.Name] = true
		identities[r.identity()] = true
	}

	labels := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, &step, replicas, identities, labels); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], replicas, identities, labels); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step *Step, replicas, identities, labels map[string]bool) error {
	if !replicas[step.Replica] {
		return fmt.Errorf("steps[%d]: unknown replica %q", i, step.Replica)
	}
	actions := step.actions()
	if len(actions) != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %v", i, actions)
	}

	needLabel := func(label string) error {
		if !labels[label] {
			return fmt.Errorf("steps[%d]: unknown event label %q", i, label)
		}
		return nil
	}
	needIdentity := func(name string) error {
		if !identities[name] {
			return fmt.Errorf("steps[%d]: unknown identity %q", i, name)
		}
		return nil
	}

	switch {
	case step.Claim != nil:
		if _, ok := model.ParseClaimType(step.Claim.Type); !ok {
			return fmt.Errorf("steps[%d].claim: unknown claim type %q", i, step.Claim.Type)
		}
	case step.Follow != "":
		if err := needIdentity(step.Follow); err != nil {
			return err
		}
	case step.Unfollow != "":
		if err := needIdentity(step.Unfollow); err != nil {
			return err
		}
	case step.Opinion != nil:
		if _, err := model.ParseOpinion(step.Opinion.Value); err != nil {
			return fmt.Errorf("steps[%d].opinion: %w", i, err)
		}
		if err := needLabel(step.Opinion.Event); err != nil {
			return err
		}
	case step.Delete != "":
		if err := needLabel(step.Delete); err != nil {
			return err
		}
	case step.Sync != nil:
		if !replicas[step.Sync.With] {
			return fmt.Errorf("steps[%d].sync: unknown replica %q", i, step.Sync.With)
		}
		if step.Sync.System != "" {
			if err := needIdentity(step.Sync.System); err != nil {
				return err
			}
		}
	case step.Deliver != nil:
		if !replicas[step.Deliver.To] {
			return fmt.Errorf("steps[%d].deliver: unknown replica %q", i, step.Deliver.To)
		}
		if err := needLabel(step.Deliver.Event); err != nil {
			return err
		}
	}

	if step.As != "" {
		if step.Sync != nil || step.Deliver != nil {
			return fmt.Errorf("steps[%d]: as is only valid on appending actions", i)
		}
		if labels[step.As] {
			return fmt.Errorf("steps[%d]: duplicate event label %q", i, step.As)
		}
		labels[step.As] = true
	}
	return nil
}

func validateAssertion(index int, a *Assertion, replicas, identities, labels map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.System != "" && !identities[a.System] {
		return fmt.Errorf("assertions[%d]: unknown identity %q", index, a.System)
	}

	switch a.Type {
	case AssertConverged:
		if len(a.Replicas) < 2 {
			return fmt.Errorf("assertions[%d]: converged needs at least two replicas", index)
		}
		for _, r := range a.Replicas {
			if !replicas[r] {
				return fmt.Errorf("assertions[%d]: unknown replica %q", index, r)
			}
		}
		if a.System == "" {
			return fmt.Errorf("assertions[%d]: system is required for converged", index)
		}
		return nil
	case AssertState, AssertOpinion, AssertRanges, AssertDeleted:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if !replicas[a.Replica] {
		return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
	}
	switch a.Type {
	case AssertState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for state", index)
		}
	case AssertOpinion:
		if !labels[a.Event] {
			return fmt.Errorf("assertions[%d]: unknown event label %q", index, a.Event)
		}
		if _, err := model.ParseOpinion(a.Value); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertRanges:
		if !replicas[a.Process] {
			return fmt.Errorf("assertions[%d]: process must name a replica, got %q", index, a.Process)
		}
	case AssertDeleted:
		if !labels[a.Event] {
			return fmt.Errorf("assertions[%d]: unknown event label %q", index, a.Event)
		}
	}
	return nil
}
