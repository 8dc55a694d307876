package taskctx

import (
	"sync"
	"testing"
)

func TestCancellationToken(t *testing.T) {
	token := NewCancellationToken()
	if token.IsCancelled() {
		t.Fatal("new token must be unset")
	}

	token.Cancel()
	token.Cancel() // idempotent
	if !token.IsCancelled() {
		t.Fatal("token must report cancelled after Cancel")
	}

	select {
	case <-token.Done():
	default:
		t.Fatal("Done channel must be closed after Cancel")
	}
}

func TestRegistryCreateGetRemove(t *testing.T) {
	reg := NewRegistry()
	tc := New("task-1")

	if err := reg.Create(tc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Create(New("task-1")); err != ErrTaskExists {
		t.Fatalf("duplicate create: got %v, want ErrTaskExists", err)
	}
	if got := reg.Get("task-1"); got != tc {
		t.Fatal("get must return the stored context")
	}
	if reg.Get("missing") != nil {
		t.Fatal("get of unknown id must return nil")
	}

	if removed := reg.Remove("task-1"); removed != tc {
		t.Fatal("remove must return the stored context")
	}
	if reg.Get("task-1") != nil {
		t.Fatal("context must be gone after remove")
	}
	if reg.Remove("task-1") != nil {
		t.Fatal("second remove must return nil")
	}
}

func TestRegistryForEach(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := reg.Create(New(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if reg.Len() != 3 {
		t.Fatalf("len: got %d, want 3", reg.Len())
	}

	seen := map[string]bool{}
	reg.ForEach(func(tc *TaskContext) { seen[tc.LogicalTaskID] = true })
	if len(seen) != 3 {
		t.Fatalf("foreach visited %d contexts, want 3", len(seen))
	}
}

func TestProducedArtifactsSnapshot(t *testing.T) {
	tc := New("task-1")
	tc.AddProducedArtifact("report.md", 0)
	tc.AddProducedArtifact("report.md", 1)

	refs := tc.ProducedArtifacts()
	if len(refs) != 2 {
		t.Fatalf("got %d refs, want 2", len(refs))
	}
	if refs[1].Version != 1 {
		t.Fatalf("version: got %d, want 1", refs[1].Version)
	}

	// The snapshot is a copy.
	refs[0].Filename = "mutated"
	if tc.ProducedArtifacts()[0].Filename != "report.md" {
		t.Fatal("mutating the snapshot must not affect the context")
	}
}

func TestActivateSkillOncePerTask(t *testing.T) {
	tc := New("task-1")
	if !tc.ActivateSkill("web-search") {
		t.Fatal("first activation must succeed")
	}
	if tc.ActivateSkill("web-search") {
		t.Fatal("second activation must report already active")
	}
	if got := tc.ActivatedSkills(); len(got) != 1 || got[0] != "web-search" {
		t.Fatalf("activated skills: got %v", got)
	}
}

func TestActivateSkillConcurrent(t *testing.T) {
	tc := New("task-1")
	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tc.ActivateSkill("solo") {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("exactly one goroutine must win activation, got %d", count)
	}
}

func TestIsBackground(t *testing.T) {
	tc := New("task-1")
	tc.ReplyToTopic = "ns/a2a/v1/gateway/response/gw-1/task-1"
	if !tc.IsBackground(nil) {
		t.Fatal("reply topic without client means background")
	}

	tc.ClientID = "client-1"
	if tc.IsBackground(nil) {
		t.Fatal("attached client means interactive")
	}

	if !tc.IsBackground(map[string]any{"backgroundExecutionEnabled": true}) {
		t.Fatal("metadata flag forces background")
	}
}
