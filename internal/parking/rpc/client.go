package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/example/parkhold/internal/parking/domain"
)

// Client calls the parking service over an existing connection.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps conn.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.ForceCodec(Codec{}))
}

func (c *Client) ReserveSpot(ctx context.Context, req *ReserveSpotRequest) (*domain.Reservation, error) {
	out := new(domain.Reservation)
	if err := c.invoke(ctx, "ReserveSpot", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReserveRandom(ctx context.Context, req *ReserveRandomRequest) (*domain.Reservation, error) {
	out := new(domain.Reservation)
	if err := c.invoke(ctx, "ReserveRandom", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Cancel(ctx context.Context, req *CancelRequest) (*domain.Reservation, error) {
	out := new(domain.Reservation)
	if err := c.invoke(ctx, "Cancel", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSpot(ctx context.Context, req *GetSpotRequest) (*domain.Spot, error) {
	out := new(domain.Spot)
	if err := c.invoke(ctx, "GetSpot", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSpots(ctx context.Context, req *ListSpotsRequest) (*ListSpotsReply, error) {
	out := new(ListSpotsReply)
	if err := c.invoke(ctx, "ListSpots", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Arrive(ctx context.Context, req *SensorRequest) (*domain.Spot, error) {
	out := new(domain.Spot)
	if err := c.invoke(ctx, "Arrive", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Vacate(ctx context.Context, req *SensorRequest) (*domain.Spot, error) {
	out := new(domain.Spot)
	if err := c.invoke(ctx, "Vacate", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// LotWatcher receives WatchLot events.
type LotWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (w *LotWatcher) Recv() (*SpotEvent, error) {
	event := new(SpotEvent)
	if err := w.stream.RecvMsg(event); err != nil {
		return nil, err
	}
	return event, nil
}

// WatchLot opens the lot stream. Cancel ctx to stop it.
func (c *Client) WatchLot(ctx context.Context, req *WatchLotRequest) (*LotWatcher, error) {
	stream, err := c.conn.NewStream(ctx, &parkingServiceDesc.Streams[0], "/"+serviceName+"/WatchLot", grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &LotWatcher{stream: stream}, nil
}
