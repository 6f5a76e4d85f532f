package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	pgrepo "github.com/voxwire/voxwire/internal/repositories/postgres"
)

type fakeKnowledgeRepo struct {
	gotAgent string
	gotQuery []float32
	gotK     int
	rows     []pgrepo.KnowledgeSnippet
}

func (f *fakeKnowledgeRepo) Nearest(_ context.Context, agentID string, query []float32, k int) ([]pgrepo.KnowledgeSnippet, error) {
	f.gotAgent = agentID
	f.gotQuery = query
	f.gotK = k
	return f.rows, nil
}

func (f *fakeKnowledgeRepo) LatestForAgent(_ context.Context, agentID string, k int) ([]pgrepo.KnowledgeSnippet, error) {
	f.gotAgent = agentID
	f.gotK = k
	return f.rows, nil
}

func newKnowledgeRouter(repo pgrepo.KnowledgeRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/knowledge/search", NewKnowledgeHandler(repo).Search)
	return r
}

func TestKnowledgeSearch(t *testing.T) {
	repo := &fakeKnowledgeRepo{rows: []pgrepo.KnowledgeSnippet{
		{ID: "k1", AgentID: "agent-1", Content: "refund policy: 30 days"},
	}}
	r := newKnowledgeRouter(repo)

	body := `{"agent_id":"agent-1","embedding":[0.1,0.2,0.3],"k":3}`
	req := httptest.NewRequest(http.MethodPost, "/knowledge/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if repo.gotAgent != "agent-1" {
		t.Errorf("agent id %q, want agent-1", repo.gotAgent)
	}
	if len(repo.gotQuery) != 3 || repo.gotQuery[1] != 0.2 {
		t.Errorf("query embedding %v, want [0.1 0.2 0.3]", repo.gotQuery)
	}
	if repo.gotK != 3 {
		t.Errorf("k %d, want 3", repo.gotK)
	}
	if !strings.Contains(w.Body.String(), "refund policy") {
		t.Errorf("response missing snippet content: %s", w.Body.String())
	}
}

func TestKnowledgeSearch_MissingEmbedding(t *testing.T) {
	repo := &fakeKnowledgeRepo{}
	r := newKnowledgeRouter(repo)

	req := httptest.NewRequest(http.MethodPost, "/knowledge/search", strings.NewReader(`{"agent_id":"agent-1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	if repo.gotAgent != "" {
		t.Error("repo queried despite invalid request")
	}
}
