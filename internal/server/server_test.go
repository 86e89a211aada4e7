package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signline/internal/config"
	"signline/internal/db"
	"signline/internal/domain"
	"signline/internal/engine"
	"signline/internal/envelope"
	"signline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), zerolog.Nop())
	cfg := Config{Engine: e, BasePath: "/v1"}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
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

func decodeEnvelope(t *testing.T, data []byte) envelope.Envelope {
	t.Helper()
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, string(data))
	}
	return env
}

func projectID(t *testing.T, env envelope.Envelope) string {
	t.Helper()
	m, ok := env.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T", env.Result)
	}
	return m["id"].(string)
}

func createProject(t *testing.T, srv *testServer, body map[string]any, key string) (envelope.Envelope, string) {
	t.Helper()
	headers := map[string]string{}
	if key != "" {
		headers["Idempotency-Key"] = key
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", body, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	return decodeEnvelope(t, data), res.Header.Get("ETag")
}

func TestCreateProjectReplayIsByteIdentical(t *testing.T) {
	srv := newTestServer(t, nil)
	body := map[string]any{"name": "Pylon Sign", "inputs": map[string]any{"width_ft": 10, "height_ft": 4}}
	headers := map[string]string{"Idempotency-Key": "create-1"}

	first, firstData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", body, headers)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first create status %d: %s", first.StatusCode, string(firstData))
	}
	if first.Header.Get("ETag") == "" {
		t.Fatalf("missing ETag header")
	}

	second, secondData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", body, headers)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d, want 200", second.StatusCode)
	}
	if !bytes.Equal(firstData, secondData) {
		t.Fatalf("replay body differs:\n%s\n%s", firstData, secondData)
	}
	if first.Header.Get("ETag") != second.Header.Get("ETag") {
		t.Fatalf("replay ETag differs")
	}
}

func TestGetProjectConditional(t *testing.T) {
	srv := newTestServer(t, nil)
	env, token := createProject(t, srv, map[string]any{"name": "Wall Sign"}, "")
	id := projectID(t, env)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+id, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", res.StatusCode)
	}
	if res.Header.Get("ETag") != token {
		t.Fatalf("ETag mismatch: %s vs %s", res.Header.Get("ETag"), token)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+id, nil, map[string]string{"If-None-Match": token})
	if res.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", res.StatusCode)
	}
}

func TestUpdatePreconditionFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	env, token := createProject(t, srv, map[string]any{"name": "Blade Sign"}, "")
	id := projectID(t, env)

	// missing If-Match is a stale precondition carrying the current token
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/projects/"+id,
		map[string]any{"name": "Renamed"}, nil)
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		CurrentToken string `json:"current_token"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if body.CurrentToken != token {
		t.Fatalf("412 body must carry the current token")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/projects/"+id,
		map[string]any{"name": "Renamed"}, map[string]string{"If-Match": token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("ETag") == token {
		t.Fatalf("token must rotate on update")
	}

	// the old token is stale now
	res, _ = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/projects/"+id,
		map[string]any{"name": "Again"}, map[string]string{"If-Match": token})
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("stale token accepted: %d", res.StatusCode)
	}
}

func TestInvalidTransitionIs422(t *testing.T) {
	srv := newTestServer(t, nil)
	env, token := createProject(t, srv, map[string]any{"name": "Monument"}, "")
	id := projectID(t, env)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/projects/"+id,
		map[string]any{"status": domain.StatusSubmitted}, map[string]string{"If-Match": token})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	errEnv := decodeEnvelope(t, data)
	if len(errEnv.Errors) == 0 || errEnv.Errors[0].Field != "status" {
		t.Fatalf("expected status field error, got %v", errEnv.Errors)
	}
}

func TestCalculateReturnsEnvelope(t *testing.T) {
	srv := newTestServer(t, nil)
	env, _ := createProject(t, srv, map[string]any{
		"name":   "Pylon",
		"inputs": map[string]any{"width_ft": 10, "height_ft": 4, "wind_speed_mph": 115},
	}, "")
	id := projectID(t, env)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+id+"/calculate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("calculate status %d: %s", res.StatusCode, string(data))
	}
	calc := decodeEnvelope(t, data)
	if calc.Result == nil {
		t.Fatalf("expected a result")
	}
	if calc.ContentHash == "" {
		t.Fatalf("expected content hash")
	}
	if calc.Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0, got %v", calc.Confidence)
	}
}

func TestSubmitPipelineOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	env, token := createProject(t, srv, map[string]any{
		"name":   "Pylon",
		"inputs": map[string]any{"width_ft": 10, "height_ft": 4, "wind_speed_mph": 115},
	}, "")
	id := projectID(t, env)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/projects/"+id,
		map[string]any{"status": domain.StatusActive}, map[string]string{"If-Match": token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate: %d %s", res.StatusCode, string(data))
	}
	token = res.Header.Get("ETag")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+id+"/submit",
		map[string]any{}, map[string]string{"If-Match": token, "Idempotency-Key": "submit-1"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	sub := decodeEnvelope(t, data)
	taskID := sub.Result.(map[string]any)["task_id"].(string)

	var task TaskResponse
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+taskID, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("task status %d: %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &task); err != nil {
			t.Fatal(err)
		}
		if task.State == domain.TaskCompleted || task.State == domain.TaskFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if task.State != domain.TaskCompleted {
		t.Fatalf("task ended in %s (%v)", task.State, task.Error)
	}

	// cancel after completion reports the true terminal state
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	var cancel CancelTaskResponse
	if err := json.Unmarshal(data, &cancel); err != nil {
		t.Fatal(err)
	}
	if cancel.State != domain.TaskCompleted {
		t.Fatalf("cancel of completed task reported %s", cancel.State)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	srv := newTestServer(t, nil)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/absent", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestDeadLettersEmptyList(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/deadletters", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deadletters status %d", res.StatusCode)
	}
	var letters []domain.DeadLetterEntry
	if err := json.Unmarshal(data, &letters); err != nil {
		t.Fatalf("decode: %v (%s)", err, string(data))
	}
	if len(letters) != 0 {
		t.Fatalf("expected empty list, got %d", len(letters))
	}
}

func TestRateLimitReturns429(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.RateLimitRPS = 1
		cfg.RateLimitBurst = 2
	})

	limited := false
	for i := 0; i < 5; i++ {
		res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
		if res.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatalf("expected a 429 under burst traffic")
	}

	// health is exempt
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must bypass the limiter, got %d", res.StatusCode)
	}
}
