package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"geoseg/internal/logging"
	"geoseg/internal/pipeline"
	"geoseg/internal/storage"
	"geoseg/internal/unet"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrorDomain tags ErrorInfo details attached to rejected builds.
const ErrorDomain = "geoseg"

// ModelServer implements ModelServiceServer on top of the builder, the store
// and the job pipeline.
type ModelServer struct {
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
}

// NewModelServer creates a server. store and pipe may be nil; job methods then
// return Unavailable.
func NewModelServer(store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *ModelServer {
	if log == nil {
		log = logging.Discard()
	}
	return &ModelServer{store: store, pipeline: pipe, log: log}
}

// RegisterWithServer registers this ModelServer with a gRPC server
func (s *ModelServer) RegisterWithServer(grpcServer *grpc.Server) {
	RegisterModelServiceServer(grpcServer, s)
}

// Serve listens on addr until ctx is cancelled.
func (s *ModelServer) Serve(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
	)
	s.RegisterWithServer(grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", listen.Addr().String(), "service", ServiceName)
	return grpcServer.Serve(listen)
}

// decode copies a struct into v through its JSON form.
func decode(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

// encode converts any JSON-marshalable value into a struct.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// rejection maps a build error to a status carrying the reason as ErrorInfo.
func rejection(err error) error {
	var verr *unet.ValidationError
	if !errors.As(err, &verr) {
		return status.Error(codes.Internal, err.Error())
	}
	code := codes.InvalidArgument
	if verr.Fatal() {
		code = codes.Internal
	}
	st := status.New(code, verr.Error())
	info := &errdetails.ErrorInfo{
		Reason:   verr.Reason.String(),
		Domain:   ErrorDomain,
		Metadata: map[string]string{"shape": fmt.Sprint(verr.Shape)},
	}
	if detailed, derr := st.WithDetails(info); derr == nil {
		st = detailed
	}
	return st.Err()
}

// ReasonFromError extracts the build rejection reason from a status error.
func ReasonFromError(err error) (unet.Reason, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == ErrorDomain {
			return unet.ParseReason(info.Reason)
		}
	}
	return 0, false
}

func (s *ModelServer) config(in *structpb.Struct) (unet.ArchitectureConfig, error) {
	var req pipeline.BuildRequest
	if err := decode(in, &req); err != nil {
		return unet.ArchitectureConfig{}, err
	}
	cfg, err := req.Config()
	if err != nil {
		return cfg, rejection(err)
	}
	return cfg, nil
}

func (s *ModelServer) Build(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cfg, err := s.config(in)
	if err != nil {
		return nil, err
	}
	g, err := unet.Build(cfg)
	if err != nil {
		logging.LogValidationFailure(s.log, cfg, err)
		return nil, rejection(err)
	}
	sum := g.Summary()
	logging.LogBuildSummary(s.log, sum)
	if err := pipeline.RecordGraph(s.store, g); err != nil {
		s.log.Warn("failed to record graph", "digest", sum.Digest, "error", err)
	}
	return encode(sum)
}

func (s *ModelServer) Validate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cfg, err := s.config(in)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, rejection(err)
	}
	return encode(map[string]any{"valid": true, "config": cfg})
}

func (s *ModelServer) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.pipeline == nil {
		return nil, status.Error(codes.Unavailable, "job pipeline is not running")
	}
	var job pipeline.Job
	if err := decode(in, &job); err != nil {
		return nil, err
	}
	known := false
	for _, t := range pipeline.JobTypes() {
		known = known || t == job.Type
	}
	if !known {
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type: %s", job.Type)
	}
	job, err := s.pipeline.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case err != nil:
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return encode(job)
}

func (s *ModelServer) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "no job store")
	}
	id, _ := in.AsMap()["id"].(string)
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encode(map[string]any{"job": rec, "meta": meta})
}
