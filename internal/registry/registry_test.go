package registry

import (
	"testing"

	"github.com/minyoung/trigger.dev/internal/model"
)

type stubLoader struct {
	versions map[string]*model.BackgroundWorkerVersion // friendlyWorkerID -> version
}

func (s *stubLoader) LoadWorkerVersion(environmentID, friendlyWorkerID string) (*model.BackgroundWorkerVersion, bool, error) {
	v, ok := s.versions[friendlyWorkerID]
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

func TestRegisterEnablesOnFirstSuccess(t *testing.T) {
	loader := &stubLoader{versions: map[string]*model.BackgroundWorkerVersion{
		"w1": {WorkerID: "w1-id", FriendlyWorkerID: "w1", Version: "20240101.1"},
	}}
	reg := New("env1", loader)
	fired := 0
	reg.OnFirstRegister(func() { fired++ })

	if err := reg.Register("unknown"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fired != 0 {
		t.Fatalf("no-op register on unknown worker should not enable: fired=%d", fired)
	}

	if err := reg.Register("w1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected onFirstRegister to fire once, got %d", fired)
	}

	if err := reg.Register("w1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fired != 1 {
		t.Fatalf("second register must not re-fire onFirstRegister, got %d", fired)
	}
}

func TestLatestPicksGreatestVersion(t *testing.T) {
	loader := &stubLoader{versions: map[string]*model.BackgroundWorkerVersion{
		"w1": {WorkerID: "w1-id", FriendlyWorkerID: "w1", Version: "20240101.1"},
		"w2": {WorkerID: "w2-id", FriendlyWorkerID: "w2", Version: "20240101.2"},
	}}
	reg := New("env1", loader)
	_ = reg.Register("w1")
	_ = reg.Register("w2")

	latest, ok := reg.Latest()
	if !ok {
		t.Fatal("expected a latest version")
	}
	if latest.WorkerID != "w2-id" {
		t.Fatalf("expected w2-id latest, got %s", latest.WorkerID)
	}
}

func TestLatestEmptyRegistry(t *testing.T) {
	reg := New("env1", &stubLoader{versions: map[string]*model.BackgroundWorkerVersion{}})
	if _, ok := reg.Latest(); ok {
		t.Fatal("expected no latest version on empty registry")
	}
}

func TestCompareVersionsNumericPerSegment(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"20240101.10", "20240101.2", 1},  // numeric: 10 > 2
		{"20240101.2", "20240101.10", -1},
		{"20240101.1", "20240101.1", 0},
		{"20240102.1", "20240101.99", 1},
	}
	for _, c := range cases {
		got := CompareVersions(c.a, c.b)
		if (got > 0) != (c.want > 0) || (got < 0) != (c.want < 0) || (got == 0) != (c.want == 0) {
			t.Errorf("CompareVersions(%q, %q) = %d, want sign of %d", c.a, c.b, got, c.want)
		}
	}
}

func TestLookupDirectMapRead(t *testing.T) {
	loader := &stubLoader{versions: map[string]*model.BackgroundWorkerVersion{
		"w1": {WorkerID: "w1-id", FriendlyWorkerID: "w1", Version: "20240101.1"},
	}}
	reg := New("env1", loader)
	_ = reg.Register("w1")

	if _, ok := reg.Lookup("w1-id"); !ok {
		t.Fatal("expected lookup to find registered worker")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatal("expected lookup miss for unregistered worker")
	}
}
