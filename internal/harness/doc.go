// Package harness runs replica scenarios: scripted writes on several
// in-memory replicas, sync rounds between them, and assertions on the
// resulting projections.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: username_lww
//	description: "Latest username wins across devices"
//	replicas:
//	  - name: alice
//	  - name: alice_phone
//	    identity: alice
//	  - name: server
//	steps:
//	  - replica: alice
//	    at: 1000
//	    set_username: alice
//	  - replica: alice
//	    as: hello
//	    post: "hello"
//	  - replica: alice
//	    sync: { with: server }
//	  - replica: bob
//	    opinion: { event: hello, value: like }
//	assertions:
//	  - type: state
//	    replica: server
//	    system: alice
//	    expect: { username: alice }
//	  - type: converged
//	    replicas: [alice, server]
//	    system: alice
//
// Each replica owns an identity, named by identity and defaulting to the
// replica's own name. Replicas sharing an identity are devices of one
// system with distinct processes. Identities are seeded in order of first
// appearance, so system keys are stable across runs.
//
// # Steps
//
// A step runs exactly one action on its replica:
//
//   - set_username, set_description, post, claim, follow, unfollow,
//     add_server, remove_server, opinion, delete: local appends
//   - sync: full push and pull rounds with another replica
//   - deliver: hand one labelled event to another replica
//
// at pins the replica's millisecond clock before the step. as labels the
// event the step produced so later steps and assertions can refer to it.
//
// # Assertion Types
//
//   - state: subset match of the replica's view of a system
//   - converged: byte-identical projections of a system on every replica
//   - opinion: the opinion a system holds on a labelled event
//   - ranges: the clocks a replica holds for one process
//   - deleted: a labelled event is tombstoned on the replica
//
// # Deterministic Testing
//
// Replicas use the memory store, seeded keys and a
// testutil.DeterministicClock each, so the snapshot written for golden
// comparison is identical across runs. Process identifiers are random, so
// snapshots never include them.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/username_lww.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
