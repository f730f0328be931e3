package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-pm-approvals/internal/repository"
)

const approvalService = "/approvals.v1.ApprovalService/"

// ApprovalsGRPCClient calls the approvals gRPC service.
type ApprovalsGRPCClient struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a client.
func NewApprovalsGRPCClient(addr string, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &ApprovalsGRPCClient{cc: conn, conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// CreateApprovalRequest opens a request for a task. It returns nil when the
// task needs no approval.
func (c *ApprovalsGRPCClient) CreateApprovalRequest(ctx context.Context, taskID, requesterID, description string, estimatedValue *float64) (*repository.ApprovalRequest, error) {
	in := map[string]interface{}{
		"task_id":      taskID,
		"requester_id": requesterID,
		"description":  description,
	}
	if estimatedValue != nil {
		in["estimated_value"] = *estimatedValue
	}

	var out struct {
		ApprovalRequired bool                        `json:"approval_required"`
		Approval         *repository.ApprovalRequest `json:"approval"`
	}
	if err := c.invoke(ctx, "CreateApprovalRequest", in, &out); err != nil {
		return nil, err
	}
	return out.Approval, nil
}

// SubmitApproval records a vote.
func (c *ApprovalsGRPCClient) SubmitApproval(ctx context.Context, requestID, voterID string, decision repository.Decision, comment string) (*repository.ApprovalRequest, error) {
	in := map[string]interface{}{
		"request_id": requestID,
		"voter_id":   voterID,
		"decision":   string(decision),
		"comment":    comment,
	}
	out := &repository.ApprovalRequest{}
	if err := c.invoke(ctx, "SubmitApproval", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPending returns the requests awaiting userID's vote.
func (c *ApprovalsGRPCClient) ListPending(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	var out struct {
		Approvals []*repository.ApprovalRequest `json:"approvals"`
	}
	if err := c.invoke(ctx, "ListPending", map[string]interface{}{"user_id": userID}, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// GetHistory returns the task's current or last request, or nil.
func (c *ApprovalsGRPCClient) GetHistory(ctx context.Context, taskID string) (*repository.ApprovalRequest, error) {
	var out struct {
		Approval *repository.ApprovalRequest `json:"approval"`
	}
	if err := c.invoke(ctx, "GetHistory", map[string]interface{}{"task_id": taskID}, &out); err != nil {
		return nil, err
	}
	return out.Approval, nil
}

func (c *ApprovalsGRPCClient) invoke(ctx context.Context, method string, in map[string]interface{}, out interface{}) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, approvalService+method, req, resp); err != nil {
		return err
	}
	data, err := json.Marshal(resp.AsMap())
	if err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// forwardMetadata is a gRPC unary client interceptor that propagates incoming
// request metadata (request id, auth token) to the outgoing call.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}
