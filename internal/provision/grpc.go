package provision

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"hkit.org/internal/domain"
)

const (
	ServiceName = "hkit.provision.v1.Provisioner"
	// ServiceKeyHeader carries the shared key that admits callers.
	ServiceKeyHeader = "x-hkit-service-key"

	approveMethod = "/" + ServiceName + "/ApproveRequest"
)

// ProvisionerServer is the gRPC surface. Messages are google.protobuf.Struct.
type ProvisionerServer interface {
	ApproveRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProvisionerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ApproveRequest", Handler: approveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hkit/provision/v1/provision.proto",
}

func approveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProvisionerServer).ApproveRequest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: approveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProvisionerServer).ApproveRequest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv ProvisionerServer) {
	s.RegisterService(&serviceDesc, srv)
}

// GRPCServer exposes a Provisioner to trusted callers holding the service key.
type GRPCServer struct {
	svc Provisioner
	key []byte
}

func NewGRPCServer(svc Provisioner, serviceKey string) *GRPCServer {
	return &GRPCServer{svc: svc, key: []byte(serviceKey)}
}

func (s *GRPCServer) authorize(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(ServiceKeyHeader)
	if len(s.key) == 0 || len(vals) != 1 || subtle.ConstantTimeCompare([]byte(vals[0]), s.key) != 1 {
		return status.Error(codes.Unauthenticated, "missing or invalid service key")
	}
	return nil
}

func (s *GRPCServer) ApproveRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	res, err := s.svc.ApproveRequest(ctx, requestFromStruct(in))
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := resultToStruct(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func requestFromStruct(in *structpb.Struct) Request {
	f := in.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	data := make(map[string]string)
	for k, v := range f["requestData"].GetStructValue().GetFields() {
		data[k] = v.GetStringValue()
	}
	return Request{
		RequestID:   str("requestId"),
		RequestType: domain.RequestType(str("requestType")),
		RequestData: data,
		Email:       str("email"),
		Password:    str("password"),
		Name:        str("name"),
		Role:        domain.Role(str("role")),
		ApproverID:  str("approverId"),
	}
}

func requestToStruct(req Request) (*structpb.Struct, error) {
	data := make(map[string]any, len(req.RequestData))
	for k, v := range req.RequestData {
		data[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"requestId":   req.RequestID,
		"requestType": string(req.RequestType),
		"requestData": data,
		"email":       req.Email,
		"password":    req.Password,
		"name":        req.Name,
		"role":        string(req.Role),
		"approverId":  req.ApproverID,
	})
}

func resultToStruct(res domain.ProvisionResult) (*structpb.Struct, error) {
	m := map[string]any{
		"success":      true,
		"requestId":    res.Request.ID,
		"requestType":  string(res.Request.Type),
		"status":       string(res.Request.Status),
		"identityId":   res.Identity.ID,
		"email":        res.Identity.Email,
		"role":         string(res.Profile.Role),
		"firstName":    res.Profile.FirstName,
		"lastName":     res.Profile.LastName,
		"facilityName": res.Profile.FacilityName,
	}
	if res.Profile.FacilityID != nil {
		m["facilityId"] = *res.Profile.FacilityID
	}
	if res.Request.ApprovedBy != nil {
		m["approvedBy"] = *res.Request.ApprovedBy
	}
	if res.Request.DecidedAt != nil {
		m["decidedAt"] = res.Request.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(m)
}

func resultFromStruct(out *structpb.Struct) (domain.ProvisionResult, error) {
	f := out.GetFields()
	if !f["success"].GetBoolValue() {
		return domain.ProvisionResult{}, fmt.Errorf("%w: provisioner reported failure", domain.ErrBackendUnavailable)
	}
	str := func(k string) string { return f[k].GetStringValue() }
	res := domain.ProvisionResult{
		Request: domain.RegistrationRequest{
			ID:     str("requestId"),
			Type:   domain.RequestType(str("requestType")),
			Status: domain.RequestStatus(str("status")),
		},
		Identity: domain.Identity{ID: str("identityId"), Email: str("email")},
		Profile: domain.Profile{
			ID:           str("identityId"),
			Email:        str("email"),
			Role:         domain.Role(str("role")),
			FirstName:    str("firstName"),
			LastName:     str("lastName"),
			FacilityName: str("facilityName"),
		},
	}
	if v, ok := f["facilityId"]; ok {
		id := int64(v.GetNumberValue())
		res.Profile.FacilityID = &id
	}
	if v := str("approvedBy"); v != "" {
		res.Request.ApprovedBy = &v
	}
	if v := str("decidedAt"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			res.Request.DecidedAt = &t
		}
	}
	return res, nil
}

var codeBySentinel = []struct {
	err  error
	code codes.Code
}{
	{domain.ErrValidation, codes.InvalidArgument},
	{domain.ErrAuthentication, codes.Unauthenticated},
	{domain.ErrAuthorization, codes.PermissionDenied},
	{domain.ErrNotFound, codes.NotFound},
	{domain.ErrConflict, codes.AlreadyExists},
	{domain.ErrBackendUnavailable, codes.Unavailable},
}

func toStatus(err error) error {
	for _, m := range codeBySentinel {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return domain.Unavailable("provisioner", err)
	}
	for _, m := range codeBySentinel {
		if st.Code() == m.code {
			return fmt.Errorf("%w: %s", m.err, st.Message())
		}
	}
	return fmt.Errorf("%w: provisioner: %s", domain.ErrBackendUnavailable, st.Message())
}

// Client calls a remote provisioner.
type Client struct {
	conn grpc.ClientConnInterface
	key  string
}

func NewClient(conn grpc.ClientConnInterface, serviceKey string) *Client {
	return &Client{conn: conn, key: serviceKey}
}

// Dial opens a plaintext connection; the provisioner is expected on a private network.
func Dial(addr, serviceKey string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial provisioner %s: %w", addr, err)
	}
	return NewClient(conn, serviceKey), conn, nil
}

func (c *Client) ApproveRequest(ctx context.Context, req Request) (domain.ProvisionResult, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("%w: encode request: %v", domain.ErrValidation, err)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, ServiceKeyHeader, c.key)
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, approveMethod, in, out); err != nil {
		return domain.ProvisionResult{}, fromStatus(err)
	}
	return resultFromStruct(out)
}
