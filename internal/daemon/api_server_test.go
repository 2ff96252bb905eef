package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"retrain/internal/api"
	"retrain/internal/assets"
	"retrain/internal/testsupport"
	"retrain/internal/trainer"
)

func serve(t *testing.T, d *Daemon, method, target string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[http.CanonicalHeaderKey(k)] = v
	}
	w := httptest.NewRecorder()
	d.api.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestAPIServerDisabledWithoutBind(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	d := newTestDaemonWithConfig(t, cfg)
	if d.api != nil {
		t.Fatal("expected nil api server")
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	d.Stop()
}

func TestAPIStatus(t *testing.T) {
	d := newTestDaemon(t)
	w := serve(t, d, http.MethodGet, "/api/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	status := decode[api.DaemonStatus](t, w)
	if status.LockFilePath != d.cfg.LockPath() || status.AssetsDir == "" {
		t.Fatalf("unexpected status %#v", status)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected generated request id header")
	}
}

func TestAPIRequestIDIsEchoed(t *testing.T) {
	d := newTestDaemon(t)
	w := serve(t, d, http.MethodGet, "/api/status", nil, http.Header{requestIDHeader: {"abc123"}})
	if got := w.Header().Get(requestIDHeader); got != "abc123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = "s3cret"
	secured := newTestDaemonWithConfig(t, cfg)

	if w := serve(t, secured, http.MethodGet, "/api/status", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := serve(t, secured, http.MethodGet, "/api/status", nil, http.Header{"Authorization": {"Bearer wrong"}}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
	if w := serve(t, secured, http.MethodGet, "/api/status", nil, http.Header{"Authorization": {"Bearer s3cret"}}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
	if w := serve(t, secured, http.MethodGet, "/metrics", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("expected metrics without auth, got %d", w.Code)
	}
}

func TestAPISubmitAndQueryJob(t *testing.T) {
	d := newTestDaemon(t)
	w := serve(t, d, http.MethodPost, "/api/jobs", api.SubmitRequest{Subject: "aapl", Variant: "lstm", Priority: 2}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.SubmitResponse](t, w)
	if !strings.HasPrefix(resp.JobID, "aapl_lstm_") {
		t.Fatalf("unexpected job id %q", resp.JobID)
	}

	w = serve(t, d, http.MethodGet, "/api/jobs/"+resp.JobID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	job := decode[api.Job](t, w)
	if job.State != "queued" || job.Priority != 2 {
		t.Fatalf("unexpected job %#v", job)
	}

	w = serve(t, d, http.MethodPost, "/api/jobs", api.SubmitRequest{Subject: "aapl", Variant: "lstm"}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", w.Code)
	}

	w = serve(t, d, http.MethodGet, "/api/admission?subject=aapl&variant=lstm", nil, nil)
	adm := decode[api.AdmissionResponse](t, w)
	if adm.Allowed || adm.Reason != "duplicate_job" || adm.ExistingJobID != resp.JobID {
		t.Fatalf("unexpected admission %#v", adm)
	}

	w = serve(t, d, http.MethodDelete, "/api/jobs/"+resp.JobID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d", w.Code)
	}
	if cancelled := decode[api.CancelResponse](t, w); cancelled.WasActive {
		t.Fatal("queued job reported as active")
	}

	if w := serve(t, d, http.MethodDelete, "/api/jobs/"+resp.JobID, nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for finished job, got %d", w.Code)
	}
}

func TestAPISubmitValidation(t *testing.T) {
	d := newTestDaemon(t)
	if w := serve(t, d, http.MethodPost, "/api/jobs", api.SubmitRequest{Subject: "", Variant: "lstm"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty subject, got %d", w.Code)
	}
	if w := serve(t, d, http.MethodPost, "/api/jobs", api.SubmitRequest{Subject: "aapl", Variant: "nope"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown variant, got %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	d.api.engine.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestAPIEmergencyStopAndCooldowns(t *testing.T) {
	d := newTestDaemon(t)
	for _, subject := range []string{"aapl", "msft"} {
		if w := serve(t, d, http.MethodPost, "/api/jobs", api.SubmitRequest{Subject: subject, Variant: "lstm"}, nil); w.Code != http.StatusAccepted {
			t.Fatalf("submit %s: %d", subject, w.Code)
		}
	}
	w := serve(t, d, http.MethodPost, "/api/emergency-stop", nil, nil)
	stop := decode[api.StopResponse](t, w)
	if stop.CancelledPending != 2 || stop.FlaggedActive != 0 {
		t.Fatalf("unexpected stop result %#v", stop)
	}

	w = serve(t, d, http.MethodDelete, "/api/cooldowns", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = serve(t, d, http.MethodDelete, "/api/cooldowns/aapl/lstm", nil, nil)
	if cleared := decode[api.CooldownClearResponse](t, w); cleared.Cleared != 0 {
		t.Fatalf("expected nothing to clear, got %#v", cleared)
	}
}

func TestAPIStorageEndpoints(t *testing.T) {
	d := newTestDaemon(t)
	w := serve(t, d, http.MethodGet, "/api/storage/stats", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: %d", w.Code)
	}
	if stats := decode[api.StorageStats](t, w); stats.Documents != 0 {
		t.Fatalf("expected empty store, got %#v", stats)
	}

	w = serve(t, d, http.MethodPost, "/api/storage/cleanup", api.CleanupRequest{MaxAgeHours: 24}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup: %d %s", w.Code, w.Body.String())
	}
	w = serve(t, d, http.MethodPost, "/api/storage/flush", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("flush: %d", w.Code)
	}

	w = serve(t, d, http.MethodPost, "/api/storage/migrate", api.MigrationRequest{DryRun: true}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("migrate: %d %s", w.Code, w.Body.String())
	}
	if summary := decode[api.MigrationResponse](t, w); !summary.DryRun || summary.MigratedAssets != 0 {
		t.Fatalf("unexpected migration summary %#v", summary)
	}

	w = serve(t, d, http.MethodGet, "/api/assets/AAPL", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("asset: %d", w.Code)
	}
	if asset := decode[api.AssetSummary](t, w); asset.Subject != "AAPL" || len(asset.Models) != 0 {
		t.Fatalf("unexpected asset %#v", asset)
	}
}

func TestAPIPredictionsAndFeatures(t *testing.T) {
	d := newTestDaemon(t)

	w := serve(t, d, http.MethodPost, "/api/assets/AAPL/predictions", api.PredictionRequest{Variant: "LSTM", Value: 101.5, Confidence: 0.8}, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("prediction: %d %s", w.Code, w.Body.String())
	}
	w = serve(t, d, http.MethodPost, "/api/assets/AAPL/predictions", api.PredictionRequest{Value: 1}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without variant, got %d", w.Code)
	}
	w = serve(t, d, http.MethodGet, "/api/assets/AAPL", nil, nil)
	if asset := decode[api.AssetSummary](t, w); asset.PredictionEntries != 1 {
		t.Fatalf("unexpected asset %#v", asset)
	}

	w = serve(t, d, http.MethodGet, "/api/assets/AAPL/features", nil, nil)
	if w.Code != http.StatusOK || decode[api.FeatureCacheResponse](t, w).Available {
		t.Fatalf("expected empty feature cache, got %d %s", w.Code, w.Body.String())
	}
	req := api.FeatureCacheRequest{Cache: json.RawMessage(`{"rsi":[0.4,0.6]}`), Count: 2}
	w = serve(t, d, http.MethodPut, "/api/assets/AAPL/features", req, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("save features: %d %s", w.Code, w.Body.String())
	}
	features := decode[api.FeatureCacheResponse](t, w)
	if !features.Available || features.Count != 2 || !strings.Contains(string(features.Cache), "rsi") {
		t.Fatalf("unexpected features %#v", features)
	}
	w = serve(t, d, http.MethodPut, "/api/assets/AAPL/features", api.FeatureCacheRequest{Count: -1}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative count, got %d", w.Code)
	}
}

func TestAPIModelWeights(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	if w := serve(t, d, http.MethodGet, "/api/assets/AAPL/models/lstm", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without weights, got %d", w.Code)
	}

	rec := assets.NewRecord("AAPL", time.Now())
	rec.Models["lstm"] = &assets.ModelEntry{
		Config:  assets.ModelConfig{Features: 8},
		Weights: &assets.Weights{Status: assets.WeightsPlaceholder},
	}
	if err := d.assets.SaveAssetData(ctx, "AAPL", rec); err != nil {
		t.Fatalf("SaveAssetData: %v", err)
	}
	if w := serve(t, d, http.MethodGet, "/api/assets/AAPL/models/lstm", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for placeholder weights, got %d", w.Code)
	}

	model := trainer.NewTensorModel(8)
	if err := model.SetWeights([]assets.Tensor{{Data: []float64{1, 2, 3, 4}, Shape: []int{2, 2}}}); err != nil {
		t.Fatal(err)
	}
	if err := d.assets.SaveModelWeights(ctx, "AAPL", "lstm", model, assets.ModelConfig{Features: 8}); err != nil {
		t.Fatalf("SaveModelWeights: %v", err)
	}
	w := serve(t, d, http.MethodGet, "/api/assets/AAPL/models/lstm", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("weights: %d %s", w.Code, w.Body.String())
	}
	weights := decode[api.ModelWeightsResponse](t, w)
	if weights.Features != 8 || weights.ParameterCount != 4 || len(weights.Tensors) != 1 {
		t.Fatalf("unexpected weights %#v", weights)
	}
	if w := serve(t, d, http.MethodGet, "/api/assets/AAPL/models/lstm?features=12", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a different feature count, got %d", w.Code)
	}
	if w := serve(t, d, http.MethodGet, "/api/assets/AAPL/models/lstm?features=zero", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed features, got %d", w.Code)
	}

	w = serve(t, d, http.MethodGet, "/api/assets/AAPL", nil, nil)
	asset := decode[api.AssetSummary](t, w)
	if len(asset.Models) != 1 || !asset.Models[0].Trained {
		t.Fatalf("expected trained model in summary, got %#v", asset.Models)
	}
}

func TestAPIAssetDocumentRoundTrip(t *testing.T) {
	d := newTestDaemon(t)
	if w := serve(t, d, http.MethodPost, "/api/assets/AAPL/predictions", api.PredictionRequest{Variant: "lstm", Value: 3}, nil); w.Code != http.StatusNoContent {
		t.Fatalf("prediction: %d", w.Code)
	}

	w := serve(t, d, http.MethodGet, "/api/assets/AAPL/document", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("document: %d", w.Code)
	}
	doc := decode[assets.Record](t, w)
	if len(doc.Predictions.History) != 1 {
		t.Fatalf("unexpected document %#v", doc)
	}

	doc.Predictions = assets.PredictionLog{}
	w = serve(t, d, http.MethodPut, "/api/assets/AAPL/document", doc, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restore: %d %s", w.Code, w.Body.String())
	}
	if asset := decode[api.AssetSummary](t, w); asset.PredictionEntries != 0 {
		t.Fatalf("restore did not replace document: %#v", asset)
	}

	doc.Subject = "MSFT"
	if w := serve(t, d, http.MethodPut, "/api/assets/AAPL/document", doc, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched subject, got %d", w.Code)
	}
}

func TestAPIProfilingRoutes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIProfiling = true
	d := newTestDaemonWithConfig(t, cfg)
	if w := serve(t, d, http.MethodGet, "/debug/pprof/", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("expected pprof index, got %d", w.Code)
	}

	plain := newTestDaemon(t)
	if w := serve(t, plain, http.MethodGet, "/debug/pprof/", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected pprof disabled, got %d", w.Code)
	}
}
