package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"retrain/internal/assets"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Req, Resp any](c *Client, method string, req Req) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(ServiceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Start requests the daemon to start processing.
func (c *Client) Start() (*StartResponse, error) {
	return call[StartRequest, StartResponse](c, "Start", StartRequest{})
}

// Stop requests the daemon to stop processing.
func (c *Client) Stop() (*StopResponse, error) {
	return call[StopRequest, StopResponse](c, "Stop", StopRequest{})
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusRequest, StatusResponse](c, "Status", StatusRequest{})
}

// Submit schedules a manual training job.
func (c *Client) Submit(req SubmitRequest) (*SubmitResponse, error) {
	return call[SubmitRequest, SubmitResponse](c, "Submit", req)
}

// Job returns a job snapshot.
func (c *Client) Job(id string) (*JobResponse, error) {
	return call[JobRequest, JobResponse](c, "Job", JobRequest{ID: id})
}

// Cancel cancels a queued or active job.
func (c *Client) Cancel(id, reason string) (*CancelResponse, error) {
	return call[CancelRequest, CancelResponse](c, "Cancel", CancelRequest{ID: id, Reason: reason})
}

// CanAdmit reports whether a pair would be admitted.
func (c *Client) CanAdmit(subject, variant string) (*AdmissionResponse, error) {
	return call[AdmissionRequest, AdmissionResponse](c, "CanAdmit", AdmissionRequest{Subject: subject, Variant: variant})
}

// EmergencyStop cancels every queued job and flags every active one.
func (c *Client) EmergencyStop(reason string) (*EmergencyStopResponse, error) {
	return call[EmergencyStopRequest, EmergencyStopResponse](c, "EmergencyStop", EmergencyStopRequest{Reason: reason})
}

// ClearCooldown removes a pair's cooldown, or every cooldown when subject
// and variant are empty.
func (c *Client) ClearCooldown(subject, variant string) (*ClearCooldownResponse, error) {
	return call[ClearCooldownRequest, ClearCooldownResponse](c, "ClearCooldown", ClearCooldownRequest{Subject: subject, Variant: variant})
}

// JobHistory lists archived jobs.
func (c *Client) JobHistory(subject string, limit int) (*JobHistoryResponse, error) {
	return call[JobHistoryRequest, JobHistoryResponse](c, "JobHistory", JobHistoryRequest{Subject: subject, Limit: limit})
}

// RunCycle triggers one periodic retraining cycle.
func (c *Client) RunCycle() (*RunCycleResponse, error) {
	return call[RunCycleRequest, RunCycleResponse](c, "RunCycle", RunCycleRequest{})
}

// StorageStats summarizes the assets directory.
func (c *Client) StorageStats() (*StorageStatsResponse, error) {
	return call[StorageStatsRequest, StorageStatsResponse](c, "StorageStats", StorageStatsRequest{})
}

// Cleanup applies retention. maxAgeHours <= 0 uses the configured window.
func (c *Client) Cleanup(maxAgeHours int) (*CleanupResponse, error) {
	return call[CleanupRequest, CleanupResponse](c, "Cleanup", CleanupRequest{MaxAgeHours: maxAgeHours})
}

// Flush writes every cached document to disk.
func (c *Client) Flush() (*FlushResponse, error) {
	return call[FlushRequest, FlushResponse](c, "Flush", FlushRequest{})
}

// Migrate imports the configured legacy directory.
func (c *Client) Migrate(dryRun bool) (*MigrateResponse, error) {
	return call[MigrateRequest, MigrateResponse](c, "Migrate", MigrateRequest{DryRun: dryRun})
}

// Asset summarizes one subject's consolidated document.
func (c *Client) Asset(subject string) (*AssetResponse, error) {
	return call[AssetRequest, AssetResponse](c, "Asset", AssetRequest{Subject: subject})
}

// AssetDocument returns one subject's complete consolidated document.
func (c *Client) AssetDocument(subject string) (*AssetDocumentResponse, error) {
	return call[AssetRequest, AssetDocumentResponse](c, "AssetDocument", AssetRequest{Subject: subject})
}

// RestoreAsset replaces subject's document with doc.
func (c *Client) RestoreAsset(subject string, doc assets.Record) (*AssetResponse, error) {
	return call[RestoreAssetRequest, AssetResponse](c, "RestoreAsset", RestoreAssetRequest{Subject: subject, Document: doc})
}

// RecordPrediction appends a prediction to the subject's history.
func (c *Client) RecordPrediction(req RecordPredictionRequest) (*RecordPredictionResponse, error) {
	return call[RecordPredictionRequest, RecordPredictionResponse](c, "RecordPrediction", req)
}

// SaveFeatures replaces the subject's feature cache.
func (c *Client) SaveFeatures(req SaveFeaturesRequest) (*FeaturesResponse, error) {
	return call[SaveFeaturesRequest, FeaturesResponse](c, "SaveFeatures", req)
}

// Features returns the subject's feature cache.
func (c *Client) Features(subject string) (*FeaturesResponse, error) {
	return call[FeaturesRequest, FeaturesResponse](c, "Features", FeaturesRequest{Subject: subject})
}

// ModelWeights returns a variant's trained tensors.
func (c *Client) ModelWeights(subject, variant string, features int) (*ModelWeightsResponse, error) {
	return call[ModelWeightsRequest, ModelWeightsResponse](c, "ModelWeights", ModelWeightsRequest{Subject: subject, Variant: variant, Features: features})
}
