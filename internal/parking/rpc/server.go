package rpc

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/parkhold/internal/auth"
	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/service"
)

// Server adapts the reservation service to gRPC.
type Server struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewServer constructs the gRPC adapter.
func NewServer(svc *service.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, logger: logger}
}

// NewGRPCServer builds a grpc.Server with the JSON codec and token auth
// installed and the parking service registered.
func NewGRPCServer(svc *service.Service, secret string, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(secret)),
		grpc.ChainStreamInterceptor(auth.StreamServerInterceptor(secret)),
	}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterParkingServer(srv, NewServer(svc, logger))
	return srv
}

func (s *Server) ReserveSpot(ctx context.Context, req *ReserveSpotRequest) (*domain.Reservation, error) {
	userID, _ := auth.UserIDFromContext(ctx)
	res, err := s.svc.ReserveSpot(ctx, req.IdempotencyKey, userID, req.LotID, req.SpotID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &res, nil
}

func (s *Server) ReserveRandom(ctx context.Context, req *ReserveRandomRequest) (*domain.Reservation, error) {
	class := domain.ClassGeneral
	if req.Class != "" {
		parsed, err := domain.ParseSpotClass(req.Class)
		if err != nil {
			return nil, s.toStatus(err)
		}
		class = parsed
	}
	userID, _ := auth.UserIDFromContext(ctx)
	res, err := s.svc.ReserveRandom(ctx, req.IdempotencyKey, userID, req.LotID, class)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &res, nil
}

func (s *Server) Cancel(ctx context.Context, req *CancelRequest) (*domain.Reservation, error) {
	id, err := uuid.Parse(req.ReservationID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid reservation_id")
	}
	userID, _ := auth.UserIDFromContext(ctx)
	res, err := s.svc.Cancel(ctx, userID, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &res, nil
}

func (s *Server) GetSpot(ctx context.Context, req *GetSpotRequest) (*domain.Spot, error) {
	spot, err := s.svc.GetSpot(ctx, req.LotID, req.SpotID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &spot, nil
}

func (s *Server) ListSpots(ctx context.Context, req *ListSpotsRequest) (*ListSpotsReply, error) {
	var filter service.SpotFilter
	if req.Class != "" {
		class, err := domain.ParseSpotClass(req.Class)
		if err != nil {
			return nil, s.toStatus(err)
		}
		filter.Class = class
	}
	filter.Status = domain.SpotStatus(req.Status)
	spots, err := s.svc.ListSpots(ctx, req.LotID, filter)
	if err != nil {
		return nil, s.toStatus(err)
	}
	if spots == nil {
		spots = []domain.Spot{}
	}
	return &ListSpotsReply{Spots: spots}, nil
}

// Arrive and Vacate are sensor signals; user tokens are rejected.
func (s *Server) Arrive(ctx context.Context, req *SensorRequest) (*domain.Spot, error) {
	if err := auth.RequireRole(ctx, auth.RoleSensor); err != nil {
		return nil, err
	}
	spot, err := s.svc.Arrive(ctx, req.LotID, req.SpotID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &spot, nil
}

func (s *Server) Vacate(ctx context.Context, req *SensorRequest) (*domain.Spot, error) {
	if err := auth.RequireRole(ctx, auth.RoleSensor); err != nil {
		return nil, err
	}
	spot, err := s.svc.Vacate(ctx, req.LotID, req.SpotID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &spot, nil
}

func (s *Server) WatchLot(req *WatchLotRequest, stream Parking_WatchLotServer) error {
	ctx := stream.Context()
	snapshot, updates, err := s.svc.WatchLot(ctx, req.LotID)
	if err != nil {
		return s.toStatus(err)
	}
	for i := range snapshot {
		if err := stream.Send(&SpotEvent{Type: EventSnapshot, Spot: snapshot[i]}); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case spot, ok := <-updates:
			if !ok {
				return nil
			}
			if err := stream.Send(&SpotEvent{Type: EventChanged, Spot: spot}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) toStatus(err error) error {
	code := CodeFor(err)
	if code == codes.Internal {
		s.logger.Error("rpc failed", zap.Error(err))
	}
	return status.Error(code, err.Error())
}

// CodeFor maps engine errors to gRPC status codes.
func CodeFor(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrForbidden):
		return codes.PermissionDenied
	case errors.Is(err, domain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrDuplicateActiveReservation), errors.Is(err, domain.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrSpotUnavailable),
		errors.Is(err, domain.ErrConcurrentAllocation),
		errors.Is(err, domain.ErrConflict):
		return codes.Aborted
	case errors.Is(err, domain.ErrNoSpotsAvailable):
		return codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
