// Package grpcserver exposes the job queue over gRPC. Messages are
// google.protobuf.Struct values so the service needs no generated code.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"plexalign/internal/pipeline"
	"plexalign/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "plexalign.v1.Jobs"

// JobQueue is the part of the pipeline the service needs.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// JobsServer is the service implementation contract.
type JobsServer interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", JobsServer.Submit)},
		{MethodName: "Status", Handler: unaryHandler("Status", JobsServer.Status)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "plexalign/v1/jobs.proto",
}

func unaryHandler(method string, call func(JobsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JobsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobsServer).Watch(in, stream)
}

// Server serves the job service and the standard health service.
type Server struct {
	queue  JobQueue
	store  *storage.Store
	log    *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

// New builds a server around queue. store may be nil, in which case Status
// reports every job as unknown.
func New(queue JobQueue, store *storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{queue: queue, store: store, log: log, health: health.NewServer()}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.logUnary),
		grpc.MaxRecvMsgSize(4*1024*1024),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	return s.Serve(lis)
}

// Stop marks the service not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("grpc call", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return resp, err
}

// Submit queues a job described by {type, input, output, options} and
// returns {id}.
func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	typeName, _ := m["type"].(string)
	jt, ok := pipeline.ParseJobType(typeName)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type %q", typeName)
	}
	job := pipeline.Job{ID: uuid.NewString(), Type: jt}
	job.InputPath, _ = m["input"].(string)
	job.Output, _ = m["output"].(string)
	if opts, ok := m["options"].(map[string]any); ok {
		job.Options = opts
	}

	if err := s.queue.Submit(job); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrQueueFull):
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		case errors.Is(err, pipeline.ErrStopped):
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"id": job.ID})
}

// Status returns the stored record of job {id} with its result meta.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	if s.store == nil {
		return nil, status.Errorf(codes.NotFound, "job %s", id)
	}
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	body := map[string]any{"job": rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		body["meta"] = meta
	}
	return toStruct(body)
}

// Watch streams one message per finished job until the client goes away.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-resCh:
			if !ok {
				return nil
			}
			ev := map[string]any{"id": res.Job.ID, "type": string(res.Job.Type), "plate": res.Job.Plate(), "meta": res.Meta}
			if res.Error != nil {
				ev["error"] = res.Error.Error()
			}
			msg, err := toStruct(ev)
			if err != nil {
				s.log.Warn("encode job event", "job", res.Job.ID, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// toStruct converts v through JSON so typed slices and records become the
// generic values structpb accepts.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
