package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stellarlinkco/consultant/internal/consult"
	"github.com/stellarlinkco/consultant/internal/persona"
	"github.com/stellarlinkco/consultant/internal/stage"
	"github.com/stellarlinkco/consultant/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsulter struct {
	p    persona.Persona
	mu   sync.Mutex
	reqs []consult.Request
}

func (f *fakeConsulter) Persona() persona.Persona { return f.p }

func (f *fakeConsulter) Process(ctx context.Context, req consult.Request) consult.Response {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return consult.Response{Message: "echo: " + req.Message, Status: consult.StatusSuccess, SessionID: "s-1"}
}

type fakePlans struct {
	plans     []store.Plan
	records   []store.ChatRecord
	err       error
	gotEmail  string
	gotLimit  int
	gotChatID int64
}

func (f *fakePlans) ListConsultations(ctx context.Context, email string, limit int) ([]store.Plan, error) {
	f.gotEmail, f.gotLimit = email, limit
	return f.plans, f.err
}

func (f *fakePlans) ChatHistory(ctx context.Context, id int64) ([]store.ChatRecord, error) {
	f.gotChatID = id
	return f.records, f.err
}

func newTestServer(t *testing.T, plans PlanReader) (*Server, *fakeConsulter) {
	t.Helper()
	riley := &fakeConsulter{p: persona.Persona{ID: "riley", Name: "Riley", Description: "priorities", Endpoint: "/run"}}
	morgan := &fakeConsulter{p: persona.Persona{ID: "morgan", Name: "Morgan", Endpoint: "/capacity-agent"}}
	srv, err := New(Options{
		Consulters: []Consulter{riley, morgan},
		Store:      plans,
		Origins:    []string{"http://localhost:3000"},
		Version:    "test",
	})
	require.NoError(t, err)
	return srv, riley
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConsultEndpoint(t *testing.T) {
	srv, riley := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/run",
		`{"message":"hello","session_id":"abc","context":{"email":"a@b.com","conversationHistory":[{"sender":"user","message":"hi"}]}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp consult.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo: hello", resp.Message)
	assert.Equal(t, consult.StatusSuccess, resp.Status)

	require.Len(t, riley.reqs, 1)
	assert.Equal(t, "abc", riley.reqs[0].SessionID)
	assert.Equal(t, "a@b.com", riley.reqs[0].Context.Email)
	require.Len(t, riley.reqs[0].Context.ConversationHistory, 1)
	assert.Equal(t, stage.SenderUser, riley.reqs[0].Context.ConversationHistory[0].Sender)
}

func TestConsultEndpoint_InvalidJSON(t *testing.T) {
	srv, riley := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/run", `{"message":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, consult.StatusError, resp.Status)
	assert.Empty(t, riley.reqs)
}

func TestConsultEndpoint_InvalidEmail(t *testing.T) {
	srv, riley := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/run", `{"message":"hi","context":{"email":"not-an-email"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, consult.StatusError, resp.Status)
	assert.Equal(t, "invalid email", resp.Message)
	assert.Empty(t, riley.reqs)
}

func TestConsultEndpoint_WrongMethod(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/run", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConsultEndpoint_SecondPersona(t *testing.T) {
	srv, riley := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/capacity-agent", `{"message":"capacity"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, riley.reqs, "request must be routed to the capacity persona")
}

func TestClassifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/classify", `{"message":"hello there","history":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res stage.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, stage.Default().Table().Initial, res.Stage)
	assert.Equal(t, 0.0, res.Progress)
}

func TestClassifyEndpoint_InvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/classify", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListConsultations(t *testing.T) {
	plans := &fakePlans{plans: []store.Plan{{ID: 2, Email: "a@b.com", Plan: "p"}}}
	srv, _ := newTestServer(t, plans)

	rec := do(t, srv.Handler(), http.MethodGet, "/consultations?email=a@b.com&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []store.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, "a@b.com", plans.gotEmail)
	assert.Equal(t, 5, plans.gotLimit)
}

func TestListConsultations_Defaults(t *testing.T) {
	plans := &fakePlans{}
	srv, _ := newTestServer(t, plans)

	rec := do(t, srv.Handler(), http.MethodGet, "/consultations?limit=100000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", plans.gotEmail)
	assert.Equal(t, maxListLimit, plans.gotLimit)
}

func TestListConsultations_BadInput(t *testing.T) {
	srv, _ := newTestServer(t, &fakePlans{})

	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), http.MethodGet, "/consultations?email=nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), http.MethodGet, "/consultations?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), http.MethodGet, "/consultations?limit=abc", "").Code)
}

func TestListConsultations_StoreError(t *testing.T) {
	srv, _ := newTestServer(t, &fakePlans{err: errors.New("disk full")})

	rec := do(t, srv.Handler(), http.MethodGet, "/consultations", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestListConsultations_NoStore(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/consultations", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatHistoryEndpoint(t *testing.T) {
	plans := &fakePlans{records: []store.ChatRecord{{ID: 1, ConsultationID: 7, Sender: store.SenderUser, Message: "hi", MessageOrder: 1}}}
	srv, _ := newTestServer(t, plans)

	rec := do(t, srv.Handler(), http.MethodGet, "/consultations/7/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), plans.gotChatID)

	var got []store.ChatRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Message)

	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), http.MethodGet, "/consultations/x/messages", "").Code)
}

func TestHealthAndAgentCard(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"riley", "morgan"}, health.Personas)

	rec = do(t, srv.Handler(), http.MethodGet, "/.well-known/agent.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var card AgentCard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.Equal(t, "consultant", card.Name)
	assert.Equal(t, "test", card.Version)
	require.Len(t, card.Skills, 2)
	assert.Equal(t, "/run", card.Skills[0].Endpoint)
	assert.Equal(t, "Riley", card.Skills[0].Name)
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNew_RejectsBadEndpoints(t *testing.T) {
	a := &fakeConsulter{p: persona.Persona{ID: "a", Endpoint: "/x"}}
	b := &fakeConsulter{p: persona.Persona{ID: "b", Endpoint: "/x"}}
	_, err := New(Options{Consulters: []Consulter{a, b}})
	assert.Error(t, err)

	c := &fakeConsulter{p: persona.Persona{ID: "c", Endpoint: "nope"}}
	_, err = New(Options{Consulters: []Consulter{c}})
	assert.Error(t, err)
}

func TestShutdown_NotStarted(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	assert.NoError(t, srv.Shutdown(context.Background()))
}
