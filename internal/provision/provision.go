// Package provision implements the privileged approve-request operation: the
// only path that creates identities for approved registrations.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hkit.org/internal/auth"
	"hkit.org/internal/domain"
	"hkit.org/internal/obs"
)

// Request is the approve-request payload. Password is plaintext only in
// transit; it is hashed before it reaches the store.
type Request struct {
	RequestID   string             `json:"requestId"`
	RequestType domain.RequestType `json:"requestType"`
	RequestData map[string]string  `json:"requestData"`
	Email       string             `json:"email"`
	Password    string             `json:"password"`
	Name        string             `json:"name"`
	Role        domain.Role        `json:"role"`
	ApproverID  string             `json:"approverId"`
}

// Provisioner is satisfied by the in-process Service and the gRPC Client.
type Provisioner interface {
	ApproveRequest(ctx context.Context, req Request) (domain.ProvisionResult, error)
}

type store interface {
	domain.ProfileStore
	domain.ProvisioningStore
}

type Service struct {
	store store
	hash  func(string) (string, error)
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithHasher replaces bcrypt hashing (useful for tests).
func WithHasher(fn func(string) (string, error)) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.hash = fn
		}
	}
}

func NewService(st store, opts ...ServiceOption) *Service {
	s := &Service{store: st, hash: auth.HashPassword}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) validate(req Request) error {
	var problems []string
	if strings.TrimSpace(req.RequestID) == "" {
		problems = append(problems, "requestId is required")
	}
	if req.RequestType.TargetRole() == domain.RoleNone {
		problems = append(problems, fmt.Sprintf("unknown request type %q", req.RequestType))
	} else if req.Role != req.RequestType.TargetRole() {
		problems = append(problems, fmt.Sprintf("role %q does not match %s request", req.Role, req.RequestType))
	}
	if !strings.Contains(req.Email, "@") {
		problems = append(problems, "email is invalid")
	}
	if strings.TrimSpace(req.ApproverID) == "" {
		problems = append(problems, "approverId is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// ApproveRequest re-checks the approver, hashes the password and applies all
// writes in one store transaction.
func (s *Service) ApproveRequest(ctx context.Context, req Request) (domain.ProvisionResult, error) {
	if err := s.validate(req); err != nil {
		return domain.ProvisionResult{}, err
	}
	approver, err := s.store.FindProfile(ctx, req.ApproverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ProvisionResult{}, fmt.Errorf("%w: approver has no profile", domain.ErrAuthorization)
		}
		return domain.ProvisionResult{}, domain.Unavailable("load approver", err)
	}
	if approver.Role != domain.RoleMoH {
		return domain.ProvisionResult{}, fmt.Errorf("%w: approver is not an overseer", domain.ErrAuthorization)
	}

	hash, err := s.hash(req.Password)
	if err != nil {
		return domain.ProvisionResult{}, err
	}
	first, last := SplitName(req.Name)
	res, err := s.store.ProvisionApproved(ctx, domain.ProvisionCommand{
		RequestID:    req.RequestID,
		RequestType:  req.RequestType,
		RequestData:  req.RequestData,
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: hash,
		FirstName:    first,
		LastName:     last,
		Role:         req.Role,
		ApproverID:   req.ApproverID,
	})
	if err != nil {
		obs.Logger().Warn().Err(err).Str("request_id", req.RequestID).Msg("provisioning failed")
		return domain.ProvisionResult{}, err
	}
	obs.Logger().Info().
		Str("request_id", req.RequestID).
		Str("identity_id", res.Identity.ID).
		Str("role", string(res.Profile.Role)).
		Msg("registration provisioned")
	return res, nil
}

// SplitName splits a display name into first name and the remainder.
func SplitName(name string) (first, last string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
