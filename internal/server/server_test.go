package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"orderline/internal/app"
	"orderline/internal/config"
	"orderline/internal/logging"
	"orderline/internal/proc"
	orderlinesdk "orderline/sdk/go"
)

// scriptedProc answers the script verbs without spawning anything. "run"
// blocks until killed.
type scriptedProc struct {
	once    sync.Once
	release chan proc.Result
	res     proc.Result
}

func (p *scriptedProc) PID() int { return 4000 }

func (p *scriptedProc) Wait() proc.Result {
	p.once.Do(func() { p.res = <-p.release })
	return p.res
}

func (p *scriptedProc) Kill() error {
	select {
	case p.release <- proc.Result{ExitCode: -1, Killed: true}:
	default:
	}
	return nil
}

type scriptedSpawner struct{}

func (scriptedSpawner) Spawn(ctx context.Context, spec proc.Spec) (proc.Process, error) {
	p := &scriptedProc{release: make(chan proc.Result, 1)}
	if len(spec.Args) == 0 {
		return nil, errors.New("no verb")
	}
	switch spec.Args[0] {
	case "create":
		p.release <- proc.Result{Stdout: `{"order_id":"ORDER_777"}`}
	case "plan":
		p.release <- proc.Result{Stdout: "planned " + spec.Args[2]}
	case "parallel":
		p.release <- proc.Result{Stdout: `{"launched":[{"task_id":"T1","pid":4242,"log_file":"/tmp/w.log"}]}`}
	case "run":
	default:
		p.release <- proc.Result{ExitCode: 2, Stderr: "unknown verb"}
	}
	return p, nil
}

type aliveProber struct{}

func (aliveProber) IsAlive(int) bool { return true }

type testServer struct {
	URL   string
	App   *app.Context
	close func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	ac, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Config:    config.Default(),
		Log:       logging.Discard(),
		Spawner:   scriptedSpawner{},
		Prober:    aliveProber{},
	})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	if _, err := ac.Engine.InitProject(context.Background(), "demo", "Demo", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:       ac.Engine,
		Orchestrator: ac.Orchestrator,
		Poller:       ac.Poller,
		Log:          logging.Discard(),
		BasePath:     "/v0",
		Auth:         auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL: "http://" + ln.Addr().String(),
		App: ac,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			ac.Close()
		},
	}
	return ts, ts.Close
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func apiCode(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *orderlinesdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	return apiErr.StatusCode, apiErr.Code
}

func TestHealthAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	client := orderlinesdk.New(srv.URL, "demo")
	client.ActorID = "alice"

	order, err := client.CreateOrder(ctx, "", "Checkout", "")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Status != "PLANNING" {
		t.Fatalf("expected PLANNING order, got %s", order.Status)
	}
	a, err := client.CreateTask(ctx, order.ID, "schema")
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	b, err := client.CreateTask(ctx, order.ID, "api", a.ID)
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	if a.Status != "QUEUED" || b.Status != "BLOCKED" {
		t.Fatalf("unexpected initial statuses %s %s", a.Status, b.Status)
	}

	_, err = client.StartTask(ctx, b.ID, "")
	if status, code := apiCode(t, err); status != http.StatusConflict || code != "invalid_transition" {
		t.Fatalf("start blocked task: %d %s", status, code)
	}
	_, err = client.ResolveTask(ctx, b.ID)
	if status, code := apiCode(t, err); status != http.StatusConflict || code != "dependencies_incomplete" {
		t.Fatalf("resolve early: %d %s", status, code)
	}

	started, err := client.StartTask(ctx, a.ID, "")
	if err != nil {
		t.Fatalf("start A: %v", err)
	}
	if started.Task.Assignee == nil || *started.Task.Assignee != "alice" {
		t.Fatalf("expected assignee alice, got %v", started.Task.Assignee)
	}
	done, err := client.CompleteTask(ctx, a.ID, "")
	if err != nil {
		t.Fatalf("complete A: %v", err)
	}
	if done.Task.Status != "DONE" || done.Review == nil || done.Review.Status != "PENDING" {
		t.Fatalf("unexpected completion %+v", done)
	}
	approved, err := client.ApproveTask(ctx, a.ID, "lgtm")
	if err != nil {
		t.Fatalf("approve A: %v", err)
	}
	if approved.Task.Status != "COMPLETED" || len(approved.Unblocked) != 1 || approved.Unblocked[0].ID != b.ID {
		t.Fatalf("unexpected approval %+v", approved)
	}

	tasks, err := client.ListTasks(ctx, order.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	statuses := map[string]string{}
	for _, task := range tasks {
		statuses[task.ID] = task.Status
	}
	if statuses[a.ID] != "COMPLETED" || statuses[b.ID] != "QUEUED" {
		t.Fatalf("unexpected statuses %v", statuses)
	}

	evts, err := client.Events(ctx, 5)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 5 || evts[0].ID < evts[4].ID {
		t.Fatalf("expected 5 newest-first events, got %+v", evts)
	}
	page, err := client.EventsPage(ctx, 2, "")
	if err != nil || page.NextCursor == "" {
		t.Fatalf("expected a next cursor: %v", err)
	}
	next, err := client.EventsPage(ctx, 2, page.NextCursor)
	if err != nil || len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("cursor did not advance: %+v %v", next, err)
	}
}

func TestTransitionsAcceptEmptyBody(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	client := orderlinesdk.New(srv.URL, "demo")

	order, err := client.CreateOrder(ctx, "", "Empty bodies", "")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	task, err := client.CreateTask(ctx, order.ID, "only")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	base := srv.URL + "/v0/tasks/" + task.ID
	res, data := doJSON(t, http.MethodPost, base+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start without body: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodPost, base+"/complete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete without body: %d %s", res.StatusCode, data)
	}
	var out struct {
		Task   struct{ Status string }   `json:"task"`
		Review struct{ Priority string } `json:"review"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Task.Status != "DONE" || out.Review.Priority != "P1" {
		t.Fatalf("expected DONE with a P1 review, got %s %s", out.Task.Status, out.Review.Priority)
	}
	res, data = doJSON(t, http.MethodPost, base+"/reject", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject without body: %d %s", res.StatusCode, data)
	}
}

func TestReviewRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	client := orderlinesdk.New(srv.URL, "demo")

	order, _ := client.CreateOrder(ctx, "", "", "")
	task, err := client.CreateTask(ctx, order.ID, "only")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := client.StartTask(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := client.CompleteTask(ctx, task.ID, "P2"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rejected, err := client.RejectTask(ctx, task.ID, "missing tests")
	if err != nil || rejected.Task.Status != "REWORK" {
		t.Fatalf("reject: %+v %v", rejected, err)
	}
	resubmitted, err := client.ResubmitTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resubmitted.Task.Status != "DONE" || resubmitted.Review == nil || resubmitted.Review.Priority != "P0" {
		t.Fatalf("unexpected resubmission %+v", resubmitted)
	}

	_, err = client.StartTask(ctx, "missing", "")
	if status, code := apiCode(t, err); status != http.StatusNotFound || code != "not_found" {
		t.Fatalf("missing task: %d %s", status, code)
	}
	_, err = client.CreateTask(ctx, "ORDER_404", "x")
	if status, _ := apiCode(t, err); status != http.StatusNotFound {
		t.Fatalf("missing order: %d", status)
	}
	_, err = client.CreateOrder(ctx, "", "", "P9")
	if status, _ := apiCode(t, err); status != http.StatusBadRequest {
		t.Fatalf("bad priority: %d", status)
	}
}

func TestJobs(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	client := orderlinesdk.New(srv.URL, "demo")

	id, err := client.StartJob(ctx, orderlinesdk.JobRequest{Kind: "worker", TargetID: "ORDER_001", TaskID: "T1"})
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	running, err := client.IsRunning(ctx, "ORDER_001")
	if err != nil || !running {
		t.Fatalf("expected running: %v %v", running, err)
	}
	jobs, err := client.RunningJobs(ctx)
	if err != nil || len(jobs) != 1 || jobs[0].ExecutionID != id {
		t.Fatalf("running jobs: %+v %v", jobs, err)
	}
	_, err = client.StartJob(ctx, orderlinesdk.JobRequest{Kind: "review", TargetID: "ORDER_001"})
	if status, code := apiCode(t, err); status != http.StatusConflict || code != "already_running" {
		t.Fatalf("duplicate: %d %s", status, code)
	}

	if err := client.CancelJob(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if running, _ := client.IsRunning(ctx, "ORDER_001"); running {
		t.Fatalf("slot still held after cancel")
	}
	err = client.CancelJob(ctx, id)
	if status, _ := apiCode(t, err); status != http.StatusNotFound {
		t.Fatalf("second cancel: %d", status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		history, err := client.History(ctx, 10)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) == 1 {
			if history[0].Success || history[0].Error != "cancelled" {
				t.Fatalf("unexpected history entry %+v", history[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cancelled job never reached history")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err = client.StartJob(ctx, orderlinesdk.JobRequest{Kind: "deploy", TargetID: "x"})
	if status, _ := apiCode(t, err); status != http.StatusBadRequest {
		t.Fatalf("unknown kind: %d", status)
	}
}

func TestRetryPlanAndLaunch(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	client := orderlinesdk.New(srv.URL, "demo")

	res, err := client.RetryPlanning(ctx, "ORDER_005", "opus", 30)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Success || res.CreatedID != "ORDER_005" || !strings.Contains(res.Stdout, "ORDER_005") {
		t.Fatalf("unexpected retry result %+v", res)
	}

	launch, err := client.Launch(ctx, "ORDER_005", 2)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !launch.Result.Success || len(launch.Launched) != 1 || launch.Launched[0].PID != 4242 {
		t.Fatalf("unexpected launch %+v", launch)
	}
	entries := srv.App.Monitor.Entries()
	if len(entries) != 1 || entries[0].OrderID != "ORDER_005" {
		t.Fatalf("launched worker not monitored: %+v", entries)
	}
}

func TestPollingSessions(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	client := orderlinesdk.New(srv.URL, "demo")
	order, err := client.CreateOrder(ctx, "", "", "")
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if _, err := client.CreateTask(ctx, order.ID, "t"); err != nil {
		t.Fatalf("task: %v", err)
	}

	started, err := client.StartPolling(ctx, order.ID)
	if err != nil || !started.Changed || len(started.Sessions) != 1 {
		t.Fatalf("start polling: %+v %v", started, err)
	}
	again, err := client.StartPolling(ctx, order.ID)
	if err != nil || again.Changed {
		t.Fatalf("second start should be a no-op: %+v %v", again, err)
	}
	stopped, err := client.StopPolling(ctx, order.ID)
	if err != nil || !stopped.Changed || len(stopped.Sessions) != 0 {
		t.Fatalf("stop polling: %+v %v", stopped, err)
	}
}

func TestJWTAuth(t *testing.T) {
	const secret = "s3cret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	ctx := context.Background()

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(string(data), "unauthorized") {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}
	bad, _ := IssueToken("other", "mallory", time.Minute)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign token, got %d", res.StatusCode)
	}

	token, err := IssueToken(secret, "bob", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	client := orderlinesdk.New(srv.URL, "demo")
	client.BearerToken = token
	client.ActorID = "ignored"
	order, err := client.CreateOrder(ctx, "", "", "")
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	task, err := client.CreateTask(ctx, order.ID, "t")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	started, err := client.StartTask(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Task.Assignee == nil || *started.Task.Assignee != "bob" {
		t.Fatalf("expected token subject as assignee, got %v", started.Task.Assignee)
	}
}
