package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"retrain/internal/api"
	"retrain/internal/daemon"
	"retrain/internal/logging"
)

// ServiceName is the JSON-RPC service prefix.
const ServiceName = "Retrain"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
	go func() {
		<-s.ctx.Done()
		_ = s.listener.Close()
	}()
}

// Close stops the server and removes the socket file. Connected clients are
// served until they hang up.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun retrain daemon stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.logger.Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.logger.Info("daemon started via IPC", logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.logger.Info("daemon stopped via IPC", logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = daemon.StatusDTO(s.daemon.Status(s.ctx))
	return nil
}

func (s *service) Submit(req SubmitRequest, resp *SubmitResponse) error {
	id, err := s.daemon.Submit(s.ctx, req)
	if err != nil {
		return err
	}
	resp.JobID = id
	return nil
}

func (s *service) Job(req JobRequest, resp *JobResponse) error {
	job, ok := s.daemon.Job(req.ID)
	resp.Found = ok
	if ok {
		resp.Job = api.FromJob(job)
	}
	return nil
}

func (s *service) Cancel(req CancelRequest, resp *CancelResponse) error {
	wasActive, err := s.daemon.Cancel(s.ctx, req.ID, req.Reason)
	if err != nil {
		return err
	}
	resp.JobID = req.ID
	resp.WasActive = wasActive
	return nil
}

func (s *service) CanAdmit(req AdmissionRequest, resp *AdmissionResponse) error {
	adm, err := s.daemon.CanAdmit(req.Subject, req.Variant)
	if err != nil {
		return err
	}
	*resp = api.FromAdmission(req.Subject, req.Variant, adm)
	return nil
}

func (s *service) EmergencyStop(req EmergencyStopRequest, resp *EmergencyStopResponse) error {
	res := s.daemon.EmergencyStop(s.ctx, req.Reason)
	resp.CancelledPending = res.CancelledPending
	resp.FlaggedActive = res.FlaggedActive
	return nil
}

func (s *service) ClearCooldown(req ClearCooldownRequest, resp *ClearCooldownResponse) error {
	if req.Subject == "" && req.Variant == "" {
		n, err := s.daemon.ClearAllCooldowns(s.ctx)
		if err != nil {
			return err
		}
		resp.Cleared = n
		return nil
	}
	cleared, err := s.daemon.ClearCooldown(s.ctx, req.Subject, req.Variant)
	if err != nil {
		return err
	}
	if cleared {
		resp.Cleared = 1
	}
	return nil
}

func (s *service) JobHistory(req JobHistoryRequest, resp *JobHistoryResponse) error {
	records, err := s.daemon.JobHistory(s.ctx, req.Subject, req.Limit)
	if err != nil {
		return err
	}
	resp.Jobs = make([]api.Job, 0, len(records))
	for _, rec := range records {
		resp.Jobs = append(resp.Jobs, api.FromJobRecord(rec))
	}
	return nil
}

func (s *service) RunCycle(_ RunCycleRequest, resp *RunCycleResponse) error {
	*resp = api.FromCycleResult(s.daemon.RunCycle(s.ctx))
	return nil
}

func (s *service) StorageStats(_ StorageStatsRequest, resp *StorageStatsResponse) error {
	stats, err := s.daemon.StorageStats(s.ctx)
	if err != nil {
		return err
	}
	*resp = api.FromStorageStats(stats)
	return nil
}

func (s *service) Cleanup(req CleanupRequest, resp *CleanupResponse) error {
	res, err := s.daemon.Cleanup(s.ctx, req.MaxAgeHours)
	if err != nil {
		return err
	}
	*resp = res.Response()
	return nil
}

func (s *service) Flush(_ FlushRequest, resp *FlushResponse) error {
	saved, err := s.daemon.ForceSave(s.ctx)
	if err != nil {
		return err
	}
	resp.Saved = saved
	return nil
}

func (s *service) Migrate(req MigrateRequest, resp *MigrateResponse) error {
	summary, err := s.daemon.Migrate(s.ctx, req.DryRun)
	if err != nil {
		return err
	}
	*resp = api.FromMigrationSummary(summary)
	return nil
}

func (s *service) Asset(req AssetRequest, resp *AssetResponse) error {
	rec, err := s.daemon.Asset(s.ctx, req.Subject)
	if err != nil {
		return err
	}
	*resp = api.FromRecord(rec)
	return nil
}

func (s *service) AssetDocument(req AssetRequest, resp *AssetDocumentResponse) error {
	rec, err := s.daemon.Asset(s.ctx, req.Subject)
	if err != nil {
		return err
	}
	*resp = *rec
	return nil
}

func (s *service) RestoreAsset(req RestoreAssetRequest, resp *AssetResponse) error {
	if err := s.daemon.RestoreAsset(s.ctx, req.Subject, &req.Document); err != nil {
		return err
	}
	return s.Asset(AssetRequest{Subject: req.Subject}, resp)
}

func (s *service) RecordPrediction(req RecordPredictionRequest, resp *RecordPredictionResponse) error {
	if err := s.daemon.RecordPrediction(s.ctx, req); err != nil {
		return err
	}
	resp.Recorded = true
	return nil
}

func (s *service) SaveFeatures(req SaveFeaturesRequest, resp *FeaturesResponse) error {
	if err := s.daemon.SaveFeatures(s.ctx, req); err != nil {
		return err
	}
	return s.Features(FeaturesRequest{Subject: req.Subject}, resp)
}

func (s *service) Features(req FeaturesRequest, resp *FeaturesResponse) error {
	out, err := s.daemon.Features(s.ctx, req.Subject)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

func (s *service) ModelWeights(req ModelWeightsRequest, resp *ModelWeightsResponse) error {
	out, err := s.daemon.ModelWeights(s.ctx, req.Subject, req.Variant, req.Features)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}
