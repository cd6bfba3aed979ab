package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 帳本 gRPC 服務名稱
// 請求與回應都是 google.protobuf.Struct
const ServiceName = "carechain.ledger.v1.LedgerService"

const (
	methodGetRecord               = "GetRecord"
	methodGetUser                 = "GetUser"
	methodIsConsentGiven          = "IsConsentGiven"
	methodGetEmergencyExpiry      = "GetEmergencyExpiry"
	methodFindRecordByContentHash = "FindRecordByContentHash"
)

// 欄位名稱；紀錄編號以字串傳遞，避免 Struct 的 float64 精度問題
const (
	fieldRecordID    = "record_id"
	fieldIdentity    = "identity"
	fieldOwner       = "owner"
	fieldHospitalID  = "hospital_id"
	fieldContentHash = "content_hash"
	fieldRegistered  = "registered"
	fieldRole        = "role"
	fieldGiven       = "given"
	fieldExpiresAt   = "expires_at_unix"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// GRPCClient 透過 gRPC 查詢遠端帳本
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCClient 創建客戶端，timeout 為單次查詢上限（0 表示不限制）
func NewGRPCClient(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCClient {
	return &GRPCClient{conn: conn, timeout: timeout}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return nil, ErrNotFound
		case codes.InvalidArgument:
			return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, status.Convert(err).Message())
		}
		return nil, fmt.Errorf("ledger %s: %w", method, err)
	}
	return out, nil
}

func (c *GRPCClient) GetRecord(ctx context.Context, recordID uint64) (Record, error) {
	out, err := c.invoke(ctx, methodGetRecord, map[string]any{
		fieldRecordID: strconv.FormatUint(recordID, 10),
	})
	if err != nil {
		return Record{}, err
	}

	hospitalID, err := uintField(out, fieldHospitalID)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:          recordID,
		Owner:       stringField(out, fieldOwner),
		HospitalID:  hospitalID,
		ContentHash: stringField(out, fieldContentHash),
	}, nil
}

func (c *GRPCClient) GetUser(ctx context.Context, identity string) (User, error) {
	out, err := c.invoke(ctx, methodGetUser, map[string]any{fieldIdentity: identity})
	if err != nil {
		return User{}, err
	}

	hospitalID, err := uintField(out, fieldHospitalID)
	if err != nil {
		return User{}, err
	}
	return User{
		Identity:   identity,
		Registered: out.GetFields()[fieldRegistered].GetBoolValue(),
		Role:       Role(out.GetFields()[fieldRole].GetNumberValue()),
		HospitalID: hospitalID,
	}, nil
}

func (c *GRPCClient) IsConsentGiven(ctx context.Context, recordID uint64, identity string) (bool, error) {
	out, err := c.invoke(ctx, methodIsConsentGiven, map[string]any{
		fieldRecordID: strconv.FormatUint(recordID, 10),
		fieldIdentity: identity,
	})
	if err != nil {
		return false, err
	}
	return out.GetFields()[fieldGiven].GetBoolValue(), nil
}

func (c *GRPCClient) GetEmergencyExpiry(ctx context.Context, identity string, recordID uint64) (time.Time, error) {
	out, err := c.invoke(ctx, methodGetEmergencyExpiry, map[string]any{
		fieldRecordID: strconv.FormatUint(recordID, 10),
		fieldIdentity: identity,
	})
	if err != nil {
		return time.Time{}, err
	}

	secs := int64(out.GetFields()[fieldExpiresAt].GetNumberValue())
	if secs <= 0 {
		return time.Time{}, nil
	}
	return time.Unix(secs, 0), nil
}

func (c *GRPCClient) FindRecordByContentHash(ctx context.Context, contentHash string) (uint64, error) {
	out, err := c.invoke(ctx, methodFindRecordByContentHash, map[string]any{
		fieldContentHash: contentHash,
	})
	if err != nil {
		return 0, err
	}
	return uintField(out, fieldRecordID)
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func uintField(s *structpb.Struct, name string) (uint64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(kind.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %s: %v", ErrInvalidArgument, name, err)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		if kind.NumberValue < 0 {
			return 0, fmt.Errorf("%w: field %s is negative", ErrInvalidArgument, name)
		}
		return uint64(kind.NumberValue), nil
	default:
		return 0, fmt.Errorf("%w: field %s has unexpected type", ErrInvalidArgument, name)
	}
}

// Retryable 判斷帳本錯誤是否值得重試
// NotFound 與參數錯誤是確定的答案，不重試
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidArgument) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		default:
			return false
		}
	}
	return true
}

// ledgerServiceServer 以 gRPC 對外提供 Ledger
type ledgerServiceServer interface {
	getRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	getUser(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	isConsentGiven(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	getEmergencyExpiry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	findRecordByContentHash(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type serviceHandler func(s ledgerServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call serviceHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ledgerServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ledgerServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ledgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodGetRecord, ledgerServiceServer.getRecord),
		unaryMethod(methodGetUser, ledgerServiceServer.getUser),
		unaryMethod(methodIsConsentGiven, ledgerServiceServer.isConsentGiven),
		unaryMethod(methodGetEmergencyExpiry, ledgerServiceServer.getEmergencyExpiry),
		unaryMethod(methodFindRecordByContentHash, ledgerServiceServer.findRecordByContentHash),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "carechain/ledger/v1/ledger.proto",
}

// RegisterService 把任一 Ledger 實作註冊到 gRPC server
func RegisterService(s grpc.ServiceRegistrar, l Ledger) {
	s.RegisterService(&serviceDesc, &server{ledger: l})
}

type server struct {
	ledger Ledger
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Unavailable, "ledger unavailable")
	}
}

func recordIDArg(in *structpb.Struct) (uint64, error) {
	id, err := uintField(in, fieldRecordID)
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}
	if id == 0 {
		return 0, status.Error(codes.InvalidArgument, "record_id is required")
	}
	return id, nil
}

func identityArg(in *structpb.Struct) (string, error) {
	identity := stringField(in, fieldIdentity)
	if identity == "" {
		return "", status.Error(codes.InvalidArgument, "identity is required")
	}
	return identity, nil
}

func (s *server) getRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := recordIDArg(in)
	if err != nil {
		return nil, err
	}
	rec, err := s.ledger.GetRecord(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		fieldRecordID:    strconv.FormatUint(rec.ID, 10),
		fieldOwner:       rec.Owner,
		fieldHospitalID:  strconv.FormatUint(rec.HospitalID, 10),
		fieldContentHash: rec.ContentHash,
	})
}

func (s *server) getUser(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	identity, err := identityArg(in)
	if err != nil {
		return nil, err
	}
	u, err := s.ledger.GetUser(ctx, identity)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		fieldRegistered: u.Registered,
		fieldRole:       float64(u.Role),
		fieldHospitalID: strconv.FormatUint(u.HospitalID, 10),
	})
}

func (s *server) isConsentGiven(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := recordIDArg(in)
	if err != nil {
		return nil, err
	}
	identity, err := identityArg(in)
	if err != nil {
		return nil, err
	}
	given, err := s.ledger.IsConsentGiven(ctx, id, identity)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{fieldGiven: given})
}

func (s *server) getEmergencyExpiry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := recordIDArg(in)
	if err != nil {
		return nil, err
	}
	identity, err := identityArg(in)
	if err != nil {
		return nil, err
	}
	expiry, err := s.ledger.GetEmergencyExpiry(ctx, identity, id)
	if err != nil {
		return nil, toStatus(err)
	}

	var secs float64
	if !expiry.IsZero() {
		secs = float64(expiry.Unix())
	}
	return structpb.NewStruct(map[string]any{fieldExpiresAt: secs})
}

func (s *server) findRecordByContentHash(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	hash := stringField(in, fieldContentHash)
	if hash == "" {
		return nil, status.Error(codes.InvalidArgument, "content_hash is required")
	}
	id, err := s.ledger.FindRecordByContentHash(ctx, hash)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{fieldRecordID: strconv.FormatUint(id, 10)})
}
