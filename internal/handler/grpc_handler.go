package handler

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-pm-approvals/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "approvals.v1.ApprovalService"

// ApprovalServiceServer is the gRPC surface of the approval engine. Messages
// are google.protobuf.Struct values carrying the same JSON documents as the
// HTTP API.
type ApprovalServiceServer interface {
	CreateApprovalRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ApprovalServiceDesc describes ApprovalServiceServer for grpc.Server.
var ApprovalServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateApprovalRequest", Handler: unaryHandler("CreateApprovalRequest", ApprovalServiceServer.CreateApprovalRequest)},
		{MethodName: "SubmitApproval", Handler: unaryHandler("SubmitApproval", ApprovalServiceServer.SubmitApproval)},
		{MethodName: "ListPending", Handler: unaryHandler("ListPending", ApprovalServiceServer.ListPending)},
		{MethodName: "GetHistory", Handler: unaryHandler("GetHistory", ApprovalServiceServer.GetHistory)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/approvals.proto",
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ApprovalServiceDesc, srv)
}

type unaryMethod func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	service *service.ApprovalService
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(service *service.ApprovalService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: service,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// CreateApprovalRequest opens a request for a task
func (h *GRPCHandler) CreateApprovalRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req createApprovalRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	h.logger.Info().
		Str("task_id", req.TaskID).
		Str("requester_id", req.RequesterID).
		Msg("gRPC CreateApprovalRequest called")

	approval, err := h.service.CreateApprovalRequest(ctx, service.CreateInput{
		TaskID:         req.TaskID,
		RequesterID:    req.RequesterID,
		Description:    req.Description,
		EstimatedValue: req.EstimatedValue,
	})
	if err != nil {
		return nil, h.statusError(err)
	}
	return toStruct(createApprovalResponse{ApprovalRequired: approval != nil, Approval: approval})
}

// SubmitApproval records a vote
func (h *GRPCHandler) SubmitApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req submitApprovalRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	h.logger.Info().
		Str("request_id", req.RequestID).
		Str("voter_id", req.VoterID).
		Str("decision", string(req.Decision)).
		Msg("gRPC SubmitApproval called")

	approval, err := h.service.SubmitApproval(ctx, service.SubmitInput{
		RequestID: req.RequestID,
		VoterID:   req.VoterID,
		Decision:  req.Decision,
		Comment:   req.Comment,
	})
	if err != nil {
		return nil, h.statusError(err)
	}
	return toStruct(approval)
}

// ListPending returns the requests awaiting a user's vote
func (h *GRPCHandler) ListPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID := in.GetFields()["user_id"].GetStringValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}

	approvals, err := h.service.ListPendingFor(ctx, userID)
	if err != nil {
		return nil, h.statusError(err)
	}
	return toStruct(map[string]interface{}{"approvals": approvals, "total": len(approvals)})
}

// GetHistory returns a task's current or last request
func (h *GRPCHandler) GetHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	taskID := in.GetFields()["task_id"].GetStringValue()
	if taskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}

	approval, err := h.service.GetHistory(ctx, taskID)
	if err != nil {
		return nil, h.statusError(err)
	}
	return toStruct(map[string]interface{}{"approval": approval})
}

// toStruct converts a JSON-serializable value to a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return s, nil
}

func fromStruct(in *structpb.Struct, dst interface{}) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// statusError logs internal failures, whose detail is not sent to clients,
// and maps err to a gRPC status.
func (h *GRPCHandler) statusError(err error) error {
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		h.logger.Error().Err(err).Msg("gRPC request failed")
	}
	return mapErrorToGRPC(err)
}

// mapErrorToGRPC converts coded errors to gRPC status errors
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, msg)
	case errors.ErrCodeFailedPrecondition:
		return status.Error(codes.FailedPrecondition, msg)
	default:
		return status.Error(codes.Internal, internalErrorMessage)
	}
}
