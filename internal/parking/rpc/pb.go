package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/example/parkhold/internal/parking/domain"
)

const serviceName = "parking.v1.Parking"

// Codec encodes messages as JSON; the service has no protobuf schema.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return "json" }

type ReserveSpotRequest struct {
	LotID          string `json:"lot_id"`
	SpotID         string `json:"spot_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ReserveRandomRequest struct {
	LotID          string `json:"lot_id"`
	Class          string `json:"class"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CancelRequest struct {
	ReservationID string `json:"reservation_id"`
}

type GetSpotRequest struct {
	LotID  string `json:"lot_id"`
	SpotID string `json:"spot_id"`
}

type ListSpotsRequest struct {
	LotID  string `json:"lot_id"`
	Class  string `json:"class,omitempty"`
	Status string `json:"status,omitempty"`
}

type ListSpotsReply struct {
	Spots []domain.Spot `json:"spots"`
}

// SensorRequest names the spot a sensor reports on.
type SensorRequest struct {
	LotID  string `json:"lot_id"`
	SpotID string `json:"spot_id"`
}

type WatchLotRequest struct {
	LotID string `json:"lot_id"`
}

// SpotEvent is one message of the WatchLot stream. Snapshot events come
// first, one per spot, followed by change events.
type SpotEvent struct {
	Type string      `json:"type"`
	Spot domain.Spot `json:"spot"`
}

const (
	EventSnapshot = "snapshot"
	EventChanged  = "changed"
)

// ParkingServer defines the gRPC contract.
type ParkingServer interface {
	ReserveSpot(context.Context, *ReserveSpotRequest) (*domain.Reservation, error)
	ReserveRandom(context.Context, *ReserveRandomRequest) (*domain.Reservation, error)
	Cancel(context.Context, *CancelRequest) (*domain.Reservation, error)
	GetSpot(context.Context, *GetSpotRequest) (*domain.Spot, error)
	ListSpots(context.Context, *ListSpotsRequest) (*ListSpotsReply, error)
	WatchLot(*WatchLotRequest, Parking_WatchLotServer) error
	Arrive(context.Context, *SensorRequest) (*domain.Spot, error)
	Vacate(context.Context, *SensorRequest) (*domain.Spot, error)
}

// Parking_WatchLotServer is the server side of the WatchLot stream.
type Parking_WatchLotServer interface {
	grpc.ServerStream
	Send(*SpotEvent) error
}

var parkingServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ParkingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ReserveSpot", ParkingServer.ReserveSpot),
		unary("ReserveRandom", ParkingServer.ReserveRandom),
		unary("Cancel", ParkingServer.Cancel),
		unary("GetSpot", ParkingServer.GetSpot),
		unary("ListSpots", ParkingServer.ListSpots),
		unary("Arrive", ParkingServer.Arrive),
		unary("Vacate", ParkingServer.Vacate),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchLot",
		Handler:       _Parking_WatchLot_Handler,
		ServerStreams: true,
	}},
}

// RegisterParkingServer registers service implementation.
func RegisterParkingServer(s *grpc.Server, srv ParkingServer) {
	s.RegisterService(&parkingServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(ParkingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ParkingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ParkingServer), ctx, req.(*Req))
			})
		},
	}
}

func _Parking_WatchLot_Handler(srv any, stream grpc.ServerStream) error {
	in := new(WatchLotRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ParkingServer).WatchLot(in, &watchLotServer{ServerStream: stream})
}

type watchLotServer struct {
	grpc.ServerStream
}

func (s *watchLotServer) Send(event *SpotEvent) error {
	return s.ServerStream.SendMsg(event)
}
