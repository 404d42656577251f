package mastersync

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/google/device-infra-sub011/internal/model"
	"github.com/google/device-infra-sub011/internal/rpc"
)

// deviceMsg is the wire form of a device snapshot sent to the master.
type deviceMsg struct {
	ControlID   string
	Serial      string
	ProductType string
	Status      string
}

func toDeviceMsgs(devices []*model.Device) []deviceMsg {
	out := make([]deviceMsg, len(devices))
	for i, d := range devices {
		out[i] = deviceMsg{ControlID: d.ControlID, Serial: d.Serial, ProductType: d.Properties.ProductType, Status: d.Status.String()}
	}
	return out
}

type signUpRequest struct{ Devices []deviceMsg }
type signUpResponse struct{}

type heartbeatRequest struct{ Devices []deviceMsg }
type heartbeatResponse struct{}

type closeTestRequest struct{ TestIDs []string }
type closeTestResponse struct{}

type getAliveJobsRequest struct{}
type getAliveJobsResponse struct{ JobIDs []string }

// grpcClient implements Client by calling an external master's
// MasterSyncService over grpc, using the same JSON content-subtype
// internal/rpc registers (there is no generated stub for this service
// either — the master's own wire schema is out of scope per spec §1; this
// client only needs to agree on the codec, not a .proto file).
type grpcClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient dials the master endpoint. The connection is lazy (grpc-go
// only connects on first call), so a misconfigured/unreachable master
// doesn't block startup; Start's first SignUpLab call surfaces the error.
func NewGRPCClient(endpoint string) (Client, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	)
	if err != nil {
		return nil, err
	}
	return &grpcClient{conn: conn}, nil
}

func (c *grpcClient) SignUpLab(ctx context.Context, devices []*model.Device) error {
	return c.conn.Invoke(ctx, "/olc.MasterSyncService/SignUpLab", &signUpRequest{Devices: toDeviceMsgs(devices)}, new(signUpResponse))
}

func (c *grpcClient) HeartbeatLab(ctx context.Context, devices []*model.Device) error {
	return c.conn.Invoke(ctx, "/olc.MasterSyncService/HeartbeatLab", &heartbeatRequest{Devices: toDeviceMsgs(devices)}, new(heartbeatResponse))
}

func (c *grpcClient) CloseTest(ctx context.Context, testIDs []string) error {
	return c.conn.Invoke(ctx, "/olc.MasterSyncService/CloseTest", &closeTestRequest{TestIDs: testIDs}, new(closeTestResponse))
}

func (c *grpcClient) GetAliveJobs(ctx context.Context) ([]string, error) {
	resp := new(getAliveJobsResponse)
	if err := c.conn.Invoke(ctx, "/olc.MasterSyncService/GetAliveJobs", &getAliveJobsRequest{}, resp); err != nil {
		return nil, err
	}
	return resp.JobIDs, nil
}

// Close releases the underlying connection.
func (c *grpcClient) Close() error { return c.conn.Close() }
