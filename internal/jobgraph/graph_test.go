package jobgraph

import (
	"errors"
	"testing"

	"github.com/slchris/flowgraph/internal/jobstore"
)

func newTestJob(name string) *Job {
	return NewJob(name, jobstore.ResourceRequest{}, &echoJob{})
}

// Linear chain A -> child B -> follow-on C validates and topologically
// orders as A, B, C.
func TestValidateLinearChain(t *testing.T) {
	a := newTestJob("A")
	b := newTestJob("B")
	c := newTestJob("C")
	a.AddChild(b)
	b.AddFollowOn(c)

	if err := Validate(a); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	order := TopologicalOrder(a)
	names := jobNames(order)
	if !(names[0] == "A" && names[1] == "B" && names[2] == "C") {
		t.Fatalf("TopologicalOrder() = %v, want [A B C]", names)
	}
}

// Fan-out (A has children B, C) followed by a shared follow-on D.
func TestValidateFanOutWithFollowOn(t *testing.T) {
	a := newTestJob("A")
	b := newTestJob("B")
	c := newTestJob("C")
	d := newTestJob("D")
	a.AddChild(b)
	a.AddChild(c)
	a.AddFollowOn(d)

	if err := Validate(a); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	order := TopologicalOrder(a)
	pos := indexOf(order)
	if pos["A"] > pos["B"] || pos["A"] > pos["C"] || pos["A"] > pos["D"] {
		t.Fatalf("A must precede all its successors, got order %v", jobNames(order))
	}
	if pos["B"] > pos["D"] || pos["C"] > pos["D"] {
		t.Fatalf("B and C must precede D, got order %v", jobNames(order))
	}
}

// A direct child cycle (A -> B -> A) must be rejected.
func TestValidateDetectsDirectCycle(t *testing.T) {
	a := newTestJob("A")
	b := newTestJob("B")
	a.AddChild(b)
	b.children = append(b.children, a)
	a.predecessors[b] = struct{}{}

	err := Validate(a)
	if err == nil {
		t.Fatal("expected an error for a direct cycle")
	}
	var deadlock *GraphDeadlock
	if !errors.As(err, &deadlock) {
		t.Fatalf("error = %T, want *GraphDeadlock", err)
	}
}

// Mixed-edge cycle: A's follow-on is B; A's child C has a follow-on back
// to A itself, so the union of child and follow-on edges holds the cycle
// A -> C -> A even though neither edge kind alone forms a cycle.
func TestValidateDetectsAugmentedCycle(t *testing.T) {
	a := newTestJob("A")
	c := newTestJob("C")
	b := newTestJob("B")
	a.AddChild(c)
	a.AddFollowOn(b)
	c.AddFollowOn(a)

	err := Validate(c)
	if err == nil {
		t.Fatal("expected an augmented-graph cycle error")
	}
	var deadlock *GraphDeadlock
	if !errors.As(err, &deadlock) {
		t.Fatalf("error = %T, want *GraphDeadlock", err)
	}
}

func TestValidateRejectsDisconnectedSubmission(t *testing.T) {
	a := newTestJob("A")
	b := newTestJob("B")
	// a and b are joined only through a shared child, so the component
	// reached from a holds two predecessor-free jobs; Validate rejects a
	// submission with more than one root.
	shared := newTestJob("shared")
	a.AddChild(shared)
	b.AddChild(shared)

	// a is one of two predecessor-free jobs in this component.
	err := Validate(a)
	if err == nil {
		t.Fatal("expected a multi-root deadlock error")
	}
	var deadlock *GraphDeadlock
	if !errors.As(err, &deadlock) {
		t.Fatalf("error = %T, want *GraphDeadlock", err)
	}
}

func TestCheckNewCheckpointConjunctionPreserved(t *testing.T) {
	root := newTestJob("root")
	cp := NewJob("checkpoint", jobstore.ResourceRequest{Checkpoint: true}, &echoJob{})
	root.AddChild(cp)

	child := newTestJob("cpChild")
	cp.AddChild(child)
	// Only children are non-empty (no follow-ons, no services): per the
	// preserved conjunction check this must NOT be rejected.
	if err := Validate(root); err != nil {
		t.Fatalf("Validate() error = %v, want nil (conjunction check requires all three non-empty)", err)
	}

	followOn := newTestJob("cpFollowOn")
	cp.AddFollowOn(followOn)
	svc, _ := cp.AddService(NewService("svc", nil), nil)
	_ = svc
	if err := Validate(root); err == nil {
		t.Fatal("expected a deadlock once children, follow-ons, and services are all non-empty")
	}
}

func jobNames(jobs []*Job) []string {
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
	}
	return names
}

func indexOf(jobs []*Job) map[string]int {
	pos := make(map[string]int, len(jobs))
	for i, j := range jobs {
		pos[j.Name] = i
	}
	return pos
}
