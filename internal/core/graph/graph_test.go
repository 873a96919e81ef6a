package graph

import "testing"

func TestInsertRejectsUnknownDependency(t *testing.T) {
	g := New()
	_, err := g.Insert(Spec{Name: "child", Priority: PriorityNormal, Dependencies: []string{"does-not-exist"}})
	if err == nil {
		t.Fatal("expected error inserting task with unknown dependency")
	}
}

func TestInsertRejectsInvalidFields(t *testing.T) {
	g := New()
	cases := []Spec{
		{Name: "", Priority: PriorityNormal},
		{Name: "x", Priority: Priority(99)},
		{Name: "x", Priority: PriorityNormal, MaxRetries: 11},
	}
	for i, spec := range cases {
		if _, err := g.Insert(spec); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLinearChainReadyOrder(t *testing.T) {
	g := New()
	a, err := g.Insert(Spec{Name: "a", Priority: PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Insert(Spec{Name: "b", Priority: PriorityNormal, Dependencies: []string{a}})
	if err != nil {
		t.Fatal(err)
	}
	c, err := g.Insert(Spec{Name: "c", Priority: PriorityNormal, Dependencies: []string{b}})
	if err != nil {
		t.Fatal(err)
	}

	ready := g.ReadyTasks(10)
	if len(ready) != 1 || ready[0].ID != a {
		t.Fatalf("expected only %s ready, got %v", a, idsOf(ready))
	}

	if _, err := g.StartRunning(a, "exec-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.CompleteTask(a, Result{Success: true}); err != nil {
		t.Fatal(err)
	}

	ready = g.ReadyTasks(10)
	if len(ready) != 1 || ready[0].ID != b {
		t.Fatalf("expected only %s ready after a completes, got %v", b, idsOf(ready))
	}
	_ = c
}

func TestDiamondDependenciesBothRequired(t *testing.T) {
	g := New()
	root, _ := g.Insert(Spec{Name: "root", Priority: PriorityNormal})
	left, _ := g.Insert(Spec{Name: "left", Priority: PriorityNormal, Dependencies: []string{root}})
	right, _ := g.Insert(Spec{Name: "right", Priority: PriorityNormal, Dependencies: []string{root}})
	join, err := g.Insert(Spec{Name: "join", Priority: PriorityNormal, Dependencies: []string{left, right}})
	if err != nil {
		t.Fatal(err)
	}

	g.StartRunning(root, "exec-1")
	g.CompleteTask(root, Result{Success: true})
	g.StartRunning(left, "exec-1")
	g.CompleteTask(left, Result{Success: true})

	ready := g.ReadyTasks(10)
	for _, r := range ready {
		if r.ID == join {
			t.Fatalf("join must not be ready until both left and right complete")
		}
	}

	g.StartRunning(right, "exec-1")
	g.CompleteTask(right, Result{Success: true})

	ready = g.ReadyTasks(10)
	found := false
	for _, r := range ready {
		if r.ID == join {
			found = true
		}
	}
	if !found {
		t.Fatal("join should be ready once both left and right complete")
	}
}

func TestMarkBlockedOnFailedDependency(t *testing.T) {
	g := New()
	root, _ := g.Insert(Spec{Name: "root", Priority: PriorityNormal})
	child, _ := g.Insert(Spec{Name: "child", Priority: PriorityNormal, Dependencies: []string{root}})

	g.StartRunning(root, "exec-1")
	g.FailTask(root, "boom")

	blocked := g.MarkBlocked()
	if len(blocked) != 1 || blocked[0] != child {
		t.Fatalf("expected %s blocked, got %v", child, blocked)
	}

	task, ok := g.Get(child)
	if !ok || task.Status != StatusBlocked {
		t.Fatalf("expected child status BLOCKED, got %v", task)
	}
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	g := New()
	a, _ := g.Insert(Spec{Name: "a", Priority: PriorityNormal})
	b, _ := g.Insert(Spec{Name: "b", Priority: PriorityNormal, Dependencies: []string{a}})
	c, _ := g.Insert(Spec{Name: "c", Priority: PriorityNormal, Dependencies: []string{b}})

	order := g.TopologicalOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos[a] > pos[b] || pos[b] > pos[c] {
		t.Fatalf("expected order a,b,c; got %v", order)
	}
}

func TestScheduleRetryThenReleaseReturnsTaskToPending(t *testing.T) {
	g := New()
	id, _ := g.Insert(Spec{Name: "a", Priority: PriorityNormal, MaxRetries: 3})
	g.StartRunning(id, "exec-1")

	task, err := g.ScheduleRetry(id, "transient failure")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusRunning || task.Retries != 1 || task.Error != "transient failure" {
		t.Fatalf("unexpected task state after ScheduleRetry: %+v", task)
	}
	if g.ExhaustedRetries(id) {
		t.Fatal("task should not be exhausted after one retry of three")
	}

	task, err = g.ReleaseRetry(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusPending || task.AssignedExecutorID != "" {
		t.Fatalf("expected task pending with cleared executor after release, got %+v", task)
	}
}

func TestRequeueResetsFailedTaskToPending(t *testing.T) {
	g := New()
	id, _ := g.Insert(Spec{Name: "a", Priority: PriorityNormal, MaxRetries: 0})
	g.StartRunning(id, "exec-1")
	g.FailTask(id, "boom")

	task, err := g.Requeue(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusPending || task.Retries != 0 || task.Error != "" {
		t.Fatalf("expected requeued task reset to pending, got %+v", task)
	}
}

func idsOf(tasks []*Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
