package review

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReviewMethod is the full gRPC method name of the review service. Requests
// and responses are google.protobuf.Struct messages carrying the JSON forms of
// Snapshot and Opinion.
const ReviewMethod = "/governance.review.v1.ReviewService/Review"

// #region grpc-client

// GRPCReviewer calls a remote review service.
type GRPCReviewer struct {
	id   string
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// NewGRPCReviewer connects to addr without TLS.
func NewGRPCReviewer(id, addr string) (*GRPCReviewer, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCReviewer{id: id, conn: conn, own: conn}, nil
}

// NewGRPCReviewerWithConn uses an existing connection, for tests.
func NewGRPCReviewerWithConn(id string, conn grpc.ClientConnInterface) *GRPCReviewer {
	return &GRPCReviewer{id: id, conn: conn}
}

func (r *GRPCReviewer) ID() string { return r.id }

// Close closes the connection if this reviewer opened it.
func (r *GRPCReviewer) Close() error {
	if r.own == nil {
		return nil
	}
	return r.own.Close()
}

// Review implements Reviewer.
func (r *GRPCReviewer) Review(ctx context.Context, snap Snapshot) (Opinion, error) {
	req, err := toStruct(snap)
	if err != nil {
		return Opinion{}, err
	}
	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, ReviewMethod, req, resp); err != nil {
		return Opinion{}, fmt.Errorf("review rpc: %w", err)
	}
	var op Opinion
	if err := fromStruct(resp, &op); err != nil {
		return Opinion{}, fmt.Errorf("%w: %v", ErrMalformedOpinion, err)
	}
	return op, nil
}

// #endregion grpc-client

// #region grpc-server

// ReviewServer is the server side of the review service.
type ReviewServer interface {
	Review(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func reviewHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReviewServer).Review(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReviewMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReviewServer).Review(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ReviewServiceDesc describes governance.review.v1.ReviewService.
var ReviewServiceDesc = grpc.ServiceDesc{
	ServiceName: "governance.review.v1.ReviewService",
	HandlerType: (*ReviewServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Review", Handler: reviewHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "governance/review/v1/review.proto",
}

// RegisterReviewServer registers srv on s.
func RegisterReviewServer(s grpc.ServiceRegistrar, srv ReviewServer) {
	s.RegisterService(&ReviewServiceDesc, srv)
}

// ReviewerServer exposes a local Reviewer over gRPC.
type ReviewerServer struct {
	reviewer Reviewer
}

// NewReviewerServer wraps reviewer.
func NewReviewerServer(reviewer Reviewer) *ReviewerServer {
	return &ReviewerServer{reviewer: reviewer}
}

// Review implements ReviewServer.
func (s *ReviewerServer) Review(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var snap Snapshot
	if err := fromStruct(req, &snap); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode snapshot: %v", err)
	}
	op, err := s.reviewer.Review(ctx, snap)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "review: %v", err)
	}
	return toStruct(op)
}

// #endregion grpc-server

// #region struct-codec

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("to struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// #endregion struct-codec
