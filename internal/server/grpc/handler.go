package grpc

import (
	"context"

	pb "github.com/dmitrijs2005/gophauth/internal/proto"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// handler implements pb.AuthServiceServer on top of GRPCServer.
type handler struct {
	server *GRPCServer
}

func required(fields ...string) error {
	for _, f := range fields {
		if f == "" {
			return status.Error(codes.InvalidArgument, "missing required field")
		}
	}
	return nil
}

func (h *handler) Register(ctx context.Context, req *pb.RegisterRequest) (*pb.RegisterResponse, error) {
	if err := required(req.Name, req.Email, req.Password); err != nil {
		return nil, err
	}

	res, err := h.server.auth.Register(ctx, req.Name, req.Email, req.Password)
	if err != nil {
		return nil, toStatus(err)
	}

	return &pb.RegisterResponse{
		AccountID: res.AccountID,
		Email:     res.Email,
		Message:   "registered, verification code sent",
	}, nil
}

func (h *handler) Login(ctx context.Context, req *pb.LoginRequest) (*pb.StatusResponse, error) {
	if err := required(req.Email, req.Password); err != nil {
		return nil, err
	}
	if err := h.server.auth.Login(ctx, req.Email, req.Password); err != nil {
		return nil, toStatus(err)
	}
	return &pb.StatusResponse{Message: "verification code sent"}, nil
}

func (h *handler) VerifyOTP(ctx context.Context, req *pb.VerifyOTPRequest) (*pb.TokenPairResponse, error) {
	if err := required(req.Email, req.Code); err != nil {
		return nil, err
	}
	pair, err := h.server.auth.VerifyOTP(ctx, req.Email, req.Code)
	if err != nil {
		return nil, toStatus(err)
	}
	return tokenPairResponse(pair), nil
}

func (h *handler) ResendOTP(ctx context.Context, req *pb.ResendOTPRequest) (*pb.StatusResponse, error) {
	if err := required(req.Email); err != nil {
		return nil, err
	}
	if err := h.server.auth.ResendOTP(ctx, req.Email); err != nil {
		return nil, toStatus(err)
	}
	return &pb.StatusResponse{Message: "verification code sent"}, nil
}

func (h *handler) Refresh(ctx context.Context, req *pb.RefreshRequest) (*pb.TokenPairResponse, error) {
	if err := required(req.RefreshToken); err != nil {
		return nil, err
	}
	pair, err := h.server.auth.RefreshByToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, toStatus(err)
	}
	return tokenPairResponse(pair), nil
}

func (h *handler) Logout(ctx context.Context, _ *pb.Empty) (*pb.StatusResponse, error) {
	id, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.server.auth.Logout(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &pb.StatusResponse{Message: "logged out"}, nil
}

func (h *handler) ChangePassword(ctx context.Context, req *pb.ChangePasswordRequest) (*pb.StatusResponse, error) {
	id, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := required(req.CurrentPassword, req.NewPassword); err != nil {
		return nil, err
	}
	if err := h.server.auth.ChangePassword(ctx, id, req.CurrentPassword, req.NewPassword); err != nil {
		return nil, toStatus(err)
	}
	return &pb.StatusResponse{Message: "password changed"}, nil
}

func (h *handler) Profile(ctx context.Context, _ *pb.Empty) (*pb.ProfileResponse, error) {
	id, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	p, err := h.server.auth.Profile(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return profileResponse(p), nil
}

func (h *handler) AssignRoles(ctx context.Context, req *pb.AssignRolesRequest) (*pb.ProfileResponse, error) {
	id, err := identityFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := required(req.AccountID); err != nil {
		return nil, err
	}

	roles := make([]models.Role, len(req.Roles))
	for i, r := range req.Roles {
		roles[i] = models.Role(r)
	}

	p, err := h.server.auth.AssignRoles(ctx, id, req.AccountID, roles)
	if err != nil {
		return nil, toStatus(err)
	}
	return profileResponse(p), nil
}

func tokenPairResponse(p *auth.TokenPair) *pb.TokenPairResponse {
	return &pb.TokenPairResponse{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken}
}

func profileResponse(p *services.Profile) *pb.ProfileResponse {
	roles := make([]string, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = string(r)
	}
	return &pb.ProfileResponse{ID: p.ID, Email: p.Email, Name: p.Name, Roles: roles}
}
