// Package server exposes the document pipeline over gRPC. Every method
// takes and returns a google.protobuf.Struct.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/export"
	"github.com/OpenUpSA/dexi/internal/ingest"
	"github.com/OpenUpSA/dexi/internal/pipeline"
	"github.com/OpenUpSA/dexi/internal/projects"
	"github.com/OpenUpSA/dexi/internal/quick"
	"github.com/OpenUpSA/dexi/internal/reference"
	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/runs"
)

const ServiceName = "dexi.v1.Dexi"

type Deps struct {
	Projects   *projects.Service
	Ingest     *ingest.Service
	Documents  repository.DocumentRepository
	Pipeline   *pipeline.Orchestrator
	Runs       *runs.Service
	References *reference.Service
	Export     *export.Service
	Quick      *quick.Extractor
}

type Server struct {
	d      Deps
	logger *slog.Logger
}

func New(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{d: d, logger: logger}
}

type handlerFunc func(ctx context.Context, req request) (any, error)

type method struct {
	name string
	h    handlerFunc
}

func (s *Server) methods() []method {
	return []method{
		{"CreateProject", s.createProject},
		{"ListProjects", s.listProjects},

		{"UploadDocument", s.uploadDocument},
		{"GetDocument", s.getDocument},
		{"ListDocuments", s.listDocuments},
		{"MoveDocument", s.moveDocument},
		{"DeleteDocument", s.deleteDocument},
		{"ListFailures", s.listFailures},
		{"SubmitOCR", s.submitOCR},
		{"SubmitBatchOCR", s.submitBatchOCR},

		{"CreateRun", s.createRun},
		{"ListRuns", s.listRuns},
		{"DeleteRun", s.deleteRun},
		{"SubmitExtraction", s.submitExtraction},
		{"ListEntities", s.listEntities},
		{"DeleteEntity", s.deleteEntity},
		{"ListOccurrences", s.listOccurrences},
		{"ExportRun", s.exportRun},

		{"UploadReference", s.uploadReference},
		{"ListReferences", s.listReferences},
		{"DeleteReference", s.deleteReference},

		{"QuickExtract", s.quickExtract},
	}
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
func (s *Server) ServiceDesc() *grpc.ServiceDesc {
	ms := s.methods()
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods:     make([]grpc.MethodDesc, 0, len(ms)),
		Metadata:    "dexi/v1/dexi.proto",
	}
	for _, m := range ms {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m.name, Handler: s.unary(m)})
	}
	return desc
}

func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(s.ServiceDesc(), s)
}

func (s *Server) unary(m method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + m.name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return s.invoke(ctx, m, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
	}
}

func (s *Server) invoke(ctx context.Context, m method, in *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	reqID := requestID(ctx)
	ctx = common.WithRequestID(ctx, reqID)
	_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, reqID))

	out, err := m.h(ctx, newRequest(in))
	if err == nil {
		var msg *structpb.Struct
		if msg, err = encode(out); err == nil {
			s.logger.Debug("rpc.ok", "method", m.name, "request_id", reqID, "elapsed_ms", time.Since(start).Milliseconds())
			return msg, nil
		}
	}
	st := common.ToStatus(err)
	code := status.Code(st)
	switch code {
	case codes.Internal, codes.Unknown, codes.Unavailable:
		s.logger.Error("rpc.failed", "method", m.name, "request_id", reqID, "code", code.String(), "err", err)
	default:
		s.logger.Info("rpc.rejected", "method", m.name, "request_id", reqID, "code", code.String(), "err", err)
	}
	return nil, st
}

const requestIDHeader = "x-request-id"

// requestID returns the caller's x-request-id, or a fresh ULID.
func requestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(requestIDHeader); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return ulid.Make().String()
}

// empty is the response of methods with nothing to return.
type empty struct{}
