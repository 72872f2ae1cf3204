package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "one post"
replicas:
  - name: alice
steps:
  - replica: alice
    post: hello
    as: hello
assertions:
  - type: ranges
    replica: alice
    process: alice
    value: "[0]"
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	require.Len(t, scenario.Replicas, 1)
	assert.Equal(t, "alice", scenario.Replicas[0].identity())
	require.Len(t, scenario.Steps, 1)
	require.NotNil(t, scenario.Steps[0].Post)
	assert.Equal(t, "hello", *scenario.Steps[0].Post)
	assert.Equal(t, "hello", scenario.Steps[0].As)
	assert.Equal(t, []string{"post"}, scenario.Steps[0].actions())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "flow: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_SharedIdentity(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: devices
description: "two devices"
replicas:
  - name: laptop
    identity: alice
  - name: phone
    identity: alice
steps:
  - replica: phone
    follow: alice
assertions:
  - type: converged
    system: alice
    replicas: [laptop, phone]
`))
	require.NoError(t, err)
	assert.Equal(t, "alice", scenario.Replicas[1].identity())
}

func TestParseScenario_Invalid(t *testing.T) {
	header := "name: bad\ndescription: \"bad\"\nreplicas:\n  - name: alice\n  - name: bob\n"
	okAssertion := "assertions:\n  - type: converged\n    system: alice\n    replicas: [alice, bob]\n"

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing name",
			doc:  "description: x\nreplicas: [{name: a}]\nsteps: [{replica: a, post: x}]\n" + okAssertion,
			want: "name is required",
		},
		{
			name: "no steps",
			doc:  header + okAssertion,
			want: "steps list is required",
		},
		{
			name: "duplicate replica",
			doc:  "name: bad\ndescription: x\nreplicas: [{name: a}, {name: a}]\nsteps: [{replica: a, post: x}]\n" + okAssertion,
			want: `duplicate replica "a"`,
		},
		{
			name: "unknown replica",
			doc:  header + "steps:\n  - replica: carol\n    post: x\n" + okAssertion,
			want: `unknown replica "carol"`,
		},
		{
			name: "two actions",
			doc:  header + "steps:\n  - replica: alice\n    post: x\n    set_username: y\n" + okAssertion,
			want: "exactly one action is required",
		},
		{
			name: "no action",
			doc:  header + "steps:\n  - replica: alice\n" + okAssertion,
			want: "exactly one action is required",
		},
		{
			name: "unknown label",
			doc:  header + "steps:\n  - replica: alice\n    delete: nothing\n" + okAssertion,
			want: `unknown event label "nothing"`,
		},
		{
			name: "label used before defined",
			doc: header + "steps:\n  - replica: bob\n    opinion: {event: p, value: like}\n" +
				"  - replica: alice\n    post: x\n    as: p\n" + okAssertion,
			want: `unknown event label "p"`,
		},
		{
			name: "duplicate label",
			doc: header + "steps:\n  - replica: alice\n    post: x\n    as: p\n" +
				"  - replica: alice\n    post: y\n    as: p\n" + okAssertion,
			want: `duplicate event label "p"`,
		},
		{
			name: "label on sync",
			doc:  header + "steps:\n  - replica: alice\n    sync: {with: bob}\n    as: s\n" + okAssertion,
			want: "as is only valid on appending actions",
		},
		{
			name: "unknown identity",
			doc:  header + "steps:\n  - replica: alice\n    follow: carol\n" + okAssertion,
			want: `unknown identity "carol"`,
		},
		{
			name: "bad opinion",
			doc: header + "steps:\n  - replica: alice\n    post: x\n    as: p\n" +
				"  - replica: bob\n    opinion: {event: p, value: love}\n" + okAssertion,
			want: `unknown opinion "love"`,
		},
		{
			name: "bad claim type",
			doc:  header + "steps:\n  - replica: alice\n    claim: {type: myspace, identifier: a}\n" + okAssertion,
			want: `unknown claim type "myspace"`,
		},
		{
			name: "unknown assertion type",
			doc:  header + "steps:\n  - replica: alice\n    post: x\n" + "assertions:\n  - type: trace_contains\n",
			want: "trace_contains",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
