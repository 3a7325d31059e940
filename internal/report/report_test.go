package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/deixis/tracerun/internal/runner"
)

func newRun(stdout, stderr string) *RunResult {
	return &RunResult{
		ID:        uuid.New().String(),
		Target:    "samples/fib.cs",
		Argv:      []string{"dotnet", "run", "--no-build", "samples/fib.cs"},
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Duration:  1500 * time.Millisecond,
		Stdout:    []byte(stdout),
		Stderr:    stderr,
	}
}

func TestDiskStore_RoundTrip(t *testing.T) {
	s := NewDiskStore(t.TempDir())
	run := newRun("a\x00b\xff", "warn\n")

	if err := s.Save(run); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(run.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got.Stdout, run.Stdout) {
		t.Errorf("Stdout = %q, want %q", got.Stdout, run.Stdout)
	}
	if got.Stderr != run.Stderr || got.Duration != run.Duration {
		t.Errorf("Load() = %+v, want %+v", got, run)
	}
}

func TestDiskStore_LazyTempDir(t *testing.T) {
	s := NewDiskStore("")
	if s.Dir() != "" {
		t.Fatalf("Dir() = %q before first save", s.Dir())
	}
	if err := s.Save(newRun("x", "")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if s.Dir() == "" {
		t.Error("Dir() is empty after save")
	}
}

func TestDiskStore_RejectsPathLikeIDs(t *testing.T) {
	s := NewDiskStore(t.TempDir())
	if _, err := s.Load("../../etc/passwd"); err == nil {
		t.Fatal("expected error for non-uuid run id")
	}
}

type countingStore struct {
	runs  map[string]*RunResult
	loads int
}

func (c *countingStore) Save(r *RunResult) error {
	c.runs[r.ID] = r
	return nil
}

func (c *countingStore) Load(id string) (*RunResult, error) {
	c.loads++
	r, ok := c.runs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func TestLRUStore_EvictsOldest(t *testing.T) {
	back := &countingStore{runs: map[string]*RunResult{}}
	s := NewLRUStore(2, back)

	a, b, c := newRun("a", ""), newRun("b", ""), newRun("c", "")
	for _, r := range []*RunResult{a, b, c} {
		if err := s.Save(r); err != nil {
			t.Fatal(err)
		}
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	// b and c are cached, a must come from the backing store.
	if _, err := s.Load(c.ID); err != nil {
		t.Fatal(err)
	}
	if back.loads != 0 {
		t.Errorf("backing loads = %d, want 0", back.loads)
	}
	if _, err := s.Load(a.ID); err != nil {
		t.Fatal(err)
	}
	if back.loads != 1 {
		t.Errorf("backing loads = %d, want 1", back.loads)
	}

	// Promoting a evicted b, the least recently used.
	if _, err := s.Load(b.ID); err != nil {
		t.Fatal(err)
	}
	if back.loads != 2 {
		t.Errorf("backing loads = %d, want 2", back.loads)
	}
}

func TestLRUStore_MissingRun(t *testing.T) {
	s := NewLRUStore(1, &countingStore{runs: map[string]*RunResult{}})
	if _, err := s.Load(uuid.New().String()); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestSlice(t *testing.T) {
	run := newRun("one\ntwo\nthree\nfour\n", "")

	ex := Slice(run, Stdout, 1, 2)
	if ex.Total != 4 {
		t.Errorf("Total = %d, want 4", ex.Total)
	}
	if strings.Join(ex.Lines, ",") != "two,three" {
		t.Errorf("Lines = %q", ex.Lines)
	}
	if !ex.More() {
		t.Error("More() = false, want true")
	}

	ex = Slice(run, Stdout, 3, 0)
	if strings.Join(ex.Lines, ",") != "four" || ex.More() {
		t.Errorf("Slice(3, 0) = %+v", ex)
	}

	ex = Slice(run, Stdout, 10, 5)
	if len(ex.Lines) != 0 || ex.Offset != 4 {
		t.Errorf("Slice past end = %+v", ex)
	}
}

func TestSlice_EmptyStream(t *testing.T) {
	ex := Slice(newRun("out\n", ""), Stderr, 0, 10)
	if ex.Total != 0 || len(ex.Lines) != 0 {
		t.Errorf("Slice(stderr) = %+v, want empty", ex)
	}
}

func TestTail(t *testing.T) {
	run := newRun("", "e1\ne2\ne3")
	ex := Tail(run, Stderr, 2)
	if strings.Join(ex.Lines, ",") != "e2,e3" {
		t.Errorf("Lines = %q, want e2,e3", ex.Lines)
	}
	if ex.Offset != 1 {
		t.Errorf("Offset = %d, want 1", ex.Offset)
	}
}

func TestParseStream(t *testing.T) {
	for in, want := range map[string]Stream{"": Stdout, "stdout": Stdout, "STDERR": Stderr} {
		got, err := ParseStream(in)
		if err != nil || got != want {
			t.Errorf("ParseStream(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseStream("stdin"); err == nil {
		t.Error("expected error for stdin")
	}
}

func TestSummary(t *testing.T) {
	run := newRun("a\nb\n", "")
	run.ExitCode = 2
	run.Truncated = true
	s := run.Summary()
	for _, want := range []string{"Run: " + run.ID, "Status: exit 2", "Stdout: 4 bytes, 2 lines", "truncated"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary() missing %q:\n%s", want, s)
		}
	}
	if !run.Failed() {
		t.Error("Failed() = false, want true")
	}
}

func TestFromRunner(t *testing.T) {
	res := &runner.Result{RunID: "id", ExitCode: 1, Stdout: bytes.NewBufferString("out"), Stderr: "err"}
	run := FromRunner(res, "t", []string{"x", "t"}, "/w", time.Now())
	if string(run.Stdout) != "out" || run.Stderr != "err" || run.ExitCode != 1 || run.Dir != "/w" {
		t.Errorf("FromRunner() = %+v", run)
	}
}
