package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kalambet/casepipe/internal/audit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// downStore returns a durable store whose connection is already closed, so
// every call fails the way an unreachable database does.
func downStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	s.Close()
	return s
}

func TestFallback_CreateCaseWhenPrimaryUnreachable(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewLog(quietLogger(), 0)
	fb := NewFallbackStore(downStore(t), NewMemoryStore(Overflow()), sink, quietLogger())

	c, err := fb.CreateCase(ctx)
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	if c.ID == "" || c.Status != CaseDraft {
		t.Errorf("case = %+v", c)
	}
	if !strings.HasPrefix(c.Code, "TMP-") {
		t.Errorf("code = %s, want TMP- prefix", c.Code)
	}

	got, err := fb.GetCase(ctx, c.ID)
	if err != nil || got.ID != c.ID {
		t.Errorf("GetCase after fallback = %+v, %v", got, err)
	}

	entries := sink.Recent(audit.Filter{Action: "store_fallback"})
	if len(entries) == 0 {
		t.Fatal("no store_fallback audit entry")
	}
	if entries[0].ErrorMessage != "create_case" || entries[0].Status != audit.StatusWarning {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestFallback_HealthyPrimaryIsUsed(t *testing.T) {
	ctx := context.Background()
	primary := openTestSQL(t)
	sub := NewMemoryStore(Overflow())
	sink := audit.NewLog(quietLogger(), 0)
	fb := NewFallbackStore(primary, sub, sink, quietLogger())

	c, err := fb.CreateCase(ctx)
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	if _, err := primary.GetCase(ctx, c.ID); err != nil {
		t.Errorf("case not in primary: %v", err)
	}
	if _, err := sub.GetCase(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("case leaked into substitute: %v", err)
	}
	if n := len(sink.Recent(audit.Filter{Action: "store_fallback"})); n != 0 {
		t.Errorf("unexpected fallback entries: %d", n)
	}
}

func TestFallback_ChildrenFollowParentIntoSubstitute(t *testing.T) {
	ctx := context.Background()
	primary := openTestSQL(t)
	sub := NewMemoryStore(Overflow())
	fb := NewFallbackStore(primary, sub, audit.Discard{}, quietLogger())

	// A case created during an earlier outage lives in the substitute.
	c, _ := sub.CreateCase(ctx)

	f, err := fb.CreateFile(ctx, NewFile{CaseID: c.ID, Filename: "a.txt", MediaType: "text/plain", Locator: "a"})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := fb.CreateArtifact(ctx, f.ID, ArtifactText, "hello"); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}
	if err := fb.TransitionFileStatus(ctx, f.ID, FileUploaded, FileExtracting); err != nil {
		t.Fatalf("TransitionFileStatus: %v", err)
	}

	files, err := fb.ListCaseFiles(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCaseFiles: %v", err)
	}
	if len(files) != 1 || len(files[0].Artifacts) != 1 {
		t.Fatalf("files = %+v", files)
	}

	// A parent that exists nowhere is still NotFound.
	if _, err := fb.CreateFile(ctx, NewFile{CaseID: "missing", Filename: "x", Locator: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateFile(missing) err = %v, want ErrNotFound", err)
	}
}

func TestFallback_ListsMergeBothStores(t *testing.T) {
	ctx := context.Background()
	primary := openTestSQL(t)
	sub := NewMemoryStore(Overflow())
	fb := NewFallbackStore(primary, sub, audit.Discard{}, quietLogger())

	durable, _ := fb.CreateCase(ctx)
	overflow, _ := sub.CreateCase(ctx)

	cases, err := fb.ListCases(ctx)
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	ids := map[string]bool{}
	for _, c := range cases {
		ids[c.ID] = true
	}
	if !ids[durable.ID] || !ids[overflow.ID] {
		t.Errorf("merged list missing cases: %v", ids)
	}

	sub.CreateAnalysisRun(ctx, NewAnalysisRun{CaseID: durable.ID, Provider: "p", Model: "m", Output: json.RawMessage(`{"n":1}`)})
	run, err := fb.LatestAnalysisRun(ctx, durable.ID)
	if err != nil {
		t.Fatalf("LatestAnalysisRun: %v", err)
	}
	if string(run.Output) != `{"n":1}` {
		t.Errorf("run output = %s", run.Output)
	}
}

func TestFallback_DeleteCaseClearsBothStores(t *testing.T) {
	ctx := context.Background()
	primary := openTestSQL(t)
	sub := NewMemoryStore(Overflow())
	fb := NewFallbackStore(primary, sub, audit.Discard{}, quietLogger())

	c, _ := fb.CreateCase(ctx)
	// A transcript written during an outage.
	sub.CreateTranscript(ctx, c.ID, SourceLiveMic, "note")

	if err := fb.DeleteCase(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCase: %v", err)
	}
	if ts, _ := sub.ListTranscripts(ctx, c.ID); len(ts) != 0 {
		t.Errorf("substitute kept %d transcripts", len(ts))
	}
	if err := fb.DeleteCase(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestOpen_WithoutDSNUsesFixtures(t *testing.T) {
	s, err := Open(context.Background(), Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("Open returned %T, want *MemoryStore", s)
	}
	if _, err := s.GetCase(context.Background(), FixtureDraftCaseID); err != nil {
		t.Errorf("fixture missing: %v", err)
	}
}

func TestOpen_WithDSNWrapsDurableStore(t *testing.T) {
	s, err := Open(context.Background(), Options{Driver: DriverSQLite, DSN: ":memory:", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*FallbackStore); !ok {
		t.Fatalf("Open returned %T, want *FallbackStore", s)
	}
	if _, err := s.GetCase(context.Background(), FixtureDraftCaseID); !errors.Is(err, ErrNotFound) {
		t.Errorf("durable mode must not carry fixtures: %v", err)
	}
}

func TestFallback_OutageOnExistingRecordsIsNotNotFound(t *testing.T) {
	ctx := context.Background()
	primary := openTestSQL(t)
	fb := NewFallbackStore(primary, NewMemoryStore(Overflow()), audit.Discard{}, quietLogger())

	c, err := fb.CreateCase(ctx)
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	f, err := fb.CreateFile(ctx, NewFile{CaseID: c.ID, Filename: "a.txt", MediaType: "text/plain", Locator: "a"})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	primary.Close()

	checks := map[string]error{}
	_, checks["GetCase"] = fb.GetCase(ctx, c.ID)
	checks["UpdateCaseStatus"] = fb.UpdateCaseStatus(ctx, c.ID, CaseAnalyzing)
	_, checks["GetFile"] = fb.GetFile(ctx, f.ID)
	checks["TransitionFileStatus"] = fb.TransitionFileStatus(ctx, f.ID, FileUploaded, FileExtracting)
	_, checks["LatestAnalysisRun"] = fb.LatestAnalysisRun(ctx, c.ID)

	for op, err := range checks {
		if err == nil {
			t.Errorf("%s succeeded during outage", op)
			continue
		}
		if errors.Is(err, ErrNotFound) {
			t.Errorf("%s err = %v, want an infrastructure error", op, err)
		}
	}
}

func TestFallback_DeleteCaseDropsOverflowArtifacts(t *testing.T) {
	ctx := context.Background()
	primary := openTestSQL(t)
	sub := NewMemoryStore(Overflow())
	fb := NewFallbackStore(primary, sub, audit.Discard{}, quietLogger())

	c, _ := fb.CreateCase(ctx)
	f, err := fb.CreateFile(ctx, NewFile{CaseID: c.ID, Filename: "a.txt", MediaType: "text/plain", Locator: "a"})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	// An artifact written during an outage for a file the primary holds.
	if _, err := sub.CreateArtifact(ctx, f.ID, ArtifactText, "hello"); err != nil {
		t.Fatalf("substitute CreateArtifact: %v", err)
	}

	if err := fb.DeleteCase(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCase: %v", err)
	}
	if n := len(sub.artifactsFor(f.ID)); n != 0 {
		t.Errorf("substitute kept %d artifacts", n)
	}
}
