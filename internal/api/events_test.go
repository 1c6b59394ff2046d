package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/casepipe/internal/events"
	"github.com/kalambet/casepipe/internal/storage"
)

func openStream(t *testing.T, srv *httptest.Server, caseID string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/cases/"+caseID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	return bufio.NewReader(resp.Body)
}

// nextLine reads the next non-empty line, failing after timeout.
func nextLine(t *testing.T, r *bufio.Reader, timeout time.Duration) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				ch <- result{err: err}
				return
			}
			if line = strings.TrimRight(line, "\n"); line != "" {
				ch <- result{line: line}
				return
			}
		}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("reading stream: %v", res.err)
		}
		return res.line
	case <-time.After(timeout):
		t.Fatal("timed out waiting for stream data")
		return ""
	}
}

func TestEvents_StreamsCaseEvents(t *testing.T) {
	e := setupApp(t, withDeps(func(d *AppDeps) { d.Keepalive = time.Hour }))
	srv := httptest.NewServer(e.handler)
	t.Cleanup(srv.Close)

	c := createCase(t, e)
	stream := openStream(t, srv, c.ID)

	fileID := uuid.NewString()
	e.notifier.Publish(events.Event{CaseID: c.ID, FileID: fileID, Kind: events.KindFile, Status: string(storage.FileExtracting)})

	line := nextLine(t, stream, 2*time.Second)
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		t.Fatalf("line = %q, want data frame", line)
	}
	var got events.Event
	if err := json.Unmarshal([]byte(payload), &got); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if got.FileID != fileID || got.Status != string(storage.FileExtracting) || got.Kind != events.KindFile {
		t.Errorf("event = %+v", got)
	}
}

func TestEvents_Keepalive(t *testing.T) {
	e := setupApp(t, withDeps(func(d *AppDeps) { d.Keepalive = 20 * time.Millisecond }))
	srv := httptest.NewServer(e.handler)
	t.Cleanup(srv.Close)

	stream := openStream(t, srv, storage.FixtureDraftCaseID)
	if line := nextLine(t, stream, 2*time.Second); line != ": keepalive" {
		t.Errorf("line = %q, want keepalive comment", line)
	}
}

func TestEvents_UnknownCase(t *testing.T) {
	e := setupApp(t)
	rr := e.do(t, authReq(http.MethodGet, "/cases/"+uuid.NewString()+"/events", "", ""))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
