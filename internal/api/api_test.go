package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/store"
	"github.com/sells-group/catalog-match/internal/validate"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	run, err := st.CreateRun(ctx, model.RunParams{CatalogA: "bnf", CatalogB: "estc", MinAcceptedTier: model.TierMedium})
	require.NoError(t, err)
	require.NoError(t, st.SaveJudgements(ctx, run.ID, []model.MatchJudgement{
		{ANativeID: "a1", BNativeID: "b1", TitleScore: 0.97, TitleBucket: model.TitleStrong, AuthorMatch: model.True, YearMatch: model.True, Tier: model.TierHigh},
		{ANativeID: "a2", BNativeID: "b2", TitleScore: 0.91, TitleBucket: model.TitleStrong, YearMatch: model.True, Tier: model.TierMedium},
		{ANativeID: "a3", BNativeID: "b3", TitleScore: 0.86, TitleBucket: model.TitleWeak, Tier: model.TierWeak},
	}))
	require.NoError(t, st.UpdateRunSummary(ctx, run.ID, &model.RunSummary{
		TierCounts: map[string]int{"high": 1, "medium": 1, "weak": 1},
		MatchedA:   2,
	}))
	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, model.RunStatusReported))

	srv := httptest.NewServer(New(st, []string{"https://dash.example.com"}).Handler())
	t.Cleanup(srv.Close)
	return srv, st, run.ID
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec,noctx
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListRuns(t *testing.T) {
	srv, _, runID := newTestServer(t)

	var runs []model.Run
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)

	var none []model.Run
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs?status=failed", &none))
	assert.Empty(t, none)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/runs?limit=abc", nil))
}

func TestGetRun(t *testing.T) {
	srv, st, runID := newTestServer(t)
	stage, err := st.CreateStage(context.Background(), runID, model.RunStatusNormalizing)
	require.NoError(t, err)
	require.NoError(t, st.CompleteStage(context.Background(), stage.ID, &model.StageResult{
		Stage:  model.RunStatusNormalizing,
		Status: model.StageStatusComplete,
	}))

	var body struct {
		ID     string           `json:"id"`
		Status model.RunStatus  `json:"status"`
		Stages []model.RunStage `json:"stages"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/"+runID, &body))
	assert.Equal(t, runID, body.ID)
	assert.Equal(t, model.RunStatusReported, body.Status)
	require.Len(t, body.Stages, 1)
	assert.Equal(t, model.StageStatusComplete, body.Stages[0].Status)
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/runs/missing", &body))
	assert.Equal(t, "not found", body["error"])
}

func TestListJudgements(t *testing.T) {
	srv, _, runID := newTestServer(t)
	base := srv.URL + "/runs/" + runID + "/judgements"

	var all []model.MatchJudgement
	require.Equal(t, http.StatusOK, getJSON(t, base, &all))
	assert.Len(t, all, 3)

	var high []model.MatchJudgement
	require.Equal(t, http.StatusOK, getJSON(t, base+"?tier=high", &high))
	require.Len(t, high, 1)
	assert.Equal(t, "a1", high[0].ANativeID)

	var accepted []model.MatchJudgement
	require.Equal(t, http.StatusOK, getJSON(t, base+"?min_tier=medium", &accepted))
	assert.Len(t, accepted, 2)

	var page []model.MatchJudgement
	require.Equal(t, http.StatusOK, getJSON(t, base+"?limit=1&offset=1", &page))
	assert.Len(t, page, 1)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"?tier=stellar", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/runs/missing/judgements", nil))
}

func TestSummary(t *testing.T) {
	srv, st, runID := newTestServer(t)

	var before map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/"+runID+"/summary", &before))
	assert.Equal(t, runID, before["run_id"])
	assert.Nil(t, before["recall"])

	require.NoError(t, st.SaveValidationReport(context.Background(), &validate.Report{
		RunID: runID,
		Tiers: []validate.StratumScore{
			{Stratum: validate.Stratum{Name: "high", Population: 1, Requested: 50, N: 1, Reduced: true}, Labeled: 1, Precision: 1},
		},
		Recall: 0.75,
	}))

	var after map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/"+runID+"/summary", &after))
	assert.InDelta(t, 0.75, after["recall"], 1e-9)
}

func TestCORS(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil) //nolint:noctx
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "https://dash.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	other, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil) //nolint:noctx
	require.NoError(t, err)
	other.Header.Set("Origin", "https://elsewhere.example.com")
	resp2, err := http.DefaultClient.Do(other)
	require.NoError(t, err)
	defer resp2.Body.Close() //nolint:errcheck
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}
