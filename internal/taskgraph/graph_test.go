package taskgraph

import (
	"fmt"
	"strings"
	"testing"
)

func task(id string, kind Kind, deps ...string) Task {
	return Task{ID: id, Kind: kind, Prompt: "prompt for " + id, DependsOn: deps}
}

func TestCompile_LinearChain(t *testing.T) {
	// design -> implement -> test
	g, err := Compile([]Task{
		task("t1", KindDesign),
		task("t2", KindImplement, "t1"),
		task("t3", KindTest, "t2"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	layers := g.Layers()
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers, got %d: %v", len(layers), layers)
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if len(layers[i]) != 1 || layers[i][0] != want {
			t.Errorf("layer %d: expected [%s], got %v", i, want, layers[i])
		}
	}
}

func TestCompile_DiamondLayers(t *testing.T) {
	//     a
	//    / \
	//   b   c
	//    \ /
	//     d
	g, err := Compile([]Task{
		task("a", KindDesign),
		task("b", KindImplement, "a"),
		task("c", KindImplement, "a"),
		task("d", KindIntegrate, "b", "c"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	layers := g.Layers()
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers, got %d: %v", len(layers), layers)
	}
	if len(layers[1]) != 2 {
		t.Errorf("middle layer should hold b and c, got %v", layers[1])
	}
	if layers[1][0] != "b" || layers[1][1] != "c" {
		t.Errorf("middle layer should be id-sorted, got %v", layers[1])
	}
}

func TestCompile_Empty(t *testing.T) {
	_, err := Compile(nil)
	if err == nil {
		t.Fatal("expected error for empty plan")
	}
	if KindOf(err) != ErrDecomposition {
		t.Errorf("expected %s, got %s", ErrDecomposition, KindOf(err))
	}
}

func TestCompile_TooManyTasks(t *testing.T) {
	tasks := make([]Task, MaxTasks+1)
	for i := range tasks {
		tasks[i] = task(fmt.Sprintf("t%03d", i), KindImplement)
	}
	_, err := Compile(tasks)
	if err == nil {
		t.Fatal("expected error when task count exceeds limit")
	}
	if KindOf(err) != ErrDecomposition {
		t.Errorf("expected %s, got %s", ErrDecomposition, KindOf(err))
	}
}

func TestCompile_DuplicateID(t *testing.T) {
	_, err := Compile([]Task{
		task("t1", KindImplement),
		task("t1", KindTest),
	})
	if err == nil {
		t.Fatal("expected error for duplicate task id")
	}
}

func TestCompile_SelfDependency(t *testing.T) {
	_, err := Compile([]Task{task("t1", KindImplement, "t1")})
	if err == nil {
		t.Fatal("expected error for self-dependency")
	}
	if !strings.Contains(err.Error(), "depends on itself") {
		t.Errorf("error should name the self-dependency, got: %v", err)
	}
}

func TestCompile_UnknownDependency(t *testing.T) {
	_, err := Compile([]Task{
		task("t1", KindImplement),
		task("t2", KindTest, "missing"),
	})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("error should name the unknown dep, got: %v", err)
	}
}

func TestCompile_UnknownKind(t *testing.T) {
	_, err := Compile([]Task{task("t1", Kind("deploy"))})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestCompile_CycleReported(t *testing.T) {
	// a -> b -> c -> a
	_, err := Compile([]Task{
		task("a", KindDesign, "c"),
		task("b", KindImplement, "a"),
		task("c", KindTest, "b"),
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if KindOf(err) != ErrDecomposition {
		t.Errorf("expected %s, got %s", ErrDecomposition, KindOf(err))
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error should mention the cycle, got: %v", err)
	}

	typed := AsTyped(err)
	if typed == nil {
		t.Fatal("expected typed error")
	}
	path, ok := typed.Details["cycle"].([]string)
	if !ok || len(path) < 3 {
		t.Fatalf("expected cycle path in details, got %v", typed.Details)
	}
	if path[0] != path[len(path)-1] {
		t.Errorf("cycle path should close on the repeated node, got %v", path)
	}
}

func TestCompile_TwoNodeCycle(t *testing.T) {
	_, err := Compile([]Task{
		task("a", KindImplement, "b"),
		task("b", KindImplement, "a"),
	})
	if err == nil {
		t.Fatal("expected cycle error for a <-> b")
	}
}

func TestCompile_DepthLimit(t *testing.T) {
	tasks := make([]Task, MaxDependencyDepth+1)
	for i := range tasks {
		id := fmt.Sprintf("t%03d", i)
		if i == 0 {
			tasks[i] = task(id, KindImplement)
		} else {
			tasks[i] = task(id, KindImplement, fmt.Sprintf("t%03d", i-1))
		}
	}
	_, err := Compile(tasks)
	if err == nil {
		t.Fatal("expected error when chain depth exceeds limit")
	}
}

func TestTransitiveDependents_Cascade(t *testing.T) {
	// a -> b -> d, a -> c; failing a must cascade to b, c, d
	g, err := Compile([]Task{
		task("a", KindDesign),
		task("b", KindImplement, "a"),
		task("c", KindImplement, "a"),
		task("d", KindTest, "b"),
		task("e", KindDoc),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := g.TransitiveDependents("a")
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if deps := g.TransitiveDependents("e"); len(deps) != 0 {
		t.Errorf("independent task should have no dependents, got %v", deps)
	}
}

func TestSortReady_TieBreaks(t *testing.T) {
	g, err := Compile([]Task{
		{ID: "z-impl", Kind: KindImplement, Priority: 1, Prompt: "p"},
		{ID: "a-test", Kind: KindTest, Priority: 1, Prompt: "p"},
		{ID: "m-design", Kind: KindDesign, Priority: 2, Prompt: "p"},
		{ID: "b-impl", Kind: KindImplement, Priority: 1, Prompt: "p"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids := []string{"m-design", "a-test", "z-impl", "b-impl"}
	g.SortReady(ids)

	// priority 1 before priority 2; implement outranks test; id breaks the rest
	want := []string{"b-impl", "z-impl", "a-test", "m-design"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, ids)
		}
	}
}

func TestLess_KindRanks(t *testing.T) {
	ordered := []Kind{KindDesign, KindImplement, KindTest, KindDoc, KindIntegrate, KindReview}
	for i := 0; i < len(ordered)-1; i++ {
		a := Task{ID: "x", Kind: ordered[i]}
		b := Task{ID: "x", Kind: ordered[i+1]}
		if !Less(a, b) {
			t.Errorf("%s should sort before %s", ordered[i], ordered[i+1])
		}
	}
}

func TestDependents_Order(t *testing.T) {
	g, err := Compile([]Task{
		task("root", KindDesign),
		task("x", KindImplement, "root"),
		task("y", KindImplement, "root", "root"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deps := g.Dependents("root")
	if len(deps) != 2 {
		t.Fatalf("duplicate dep edges should collapse, got %v", deps)
	}
}
