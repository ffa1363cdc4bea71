package booking

import (
	"context"
	"errors"
	"strings"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/storage"
)

type RegisterDriverRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	VehicleType   string `json:"vehicle_type,omitempty"`
	VehicleNumber string `json:"vehicle_number,omitempty"`
}

// RegisterDriver creates or updates a driver profile. Drivers register
// themselves and admins may register anyone. The approval state never changes
// here: new drivers start pending and wait for SetDriverApproval.
func (s *Service) RegisterDriver(ctx context.Context, actor models.Actor, req RegisterDriverRequest) (*models.Driver, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	switch actor.Role {
	case models.RoleDriver:
		if req.ID == "" {
			req.ID = actor.ID
		}
		if req.ID != actor.ID {
			return nil, apperr.New(apperr.Forbidden, "drivers may only register themselves")
		}
	case models.RoleAdmin:
		if req.ID == "" {
			return nil, apperr.New(apperr.InvalidInput, "id is required")
		}
	default:
		return nil, apperr.New(apperr.Forbidden, "only drivers and admins may register drivers")
	}
	if req.Name == "" {
		return nil, apperr.New(apperr.InvalidInput, "name is required")
	}

	d := &models.Driver{
		ID:            req.ID,
		Name:          req.Name,
		VehicleType:   req.VehicleType,
		VehicleNumber: req.VehicleNumber,
		Approval:      models.ApprovalPending,
	}
	existing, err := s.drivers.GetDriver(ctx, req.ID)
	switch {
	case err == nil:
		d.Approval = existing.Approval
	case !errors.Is(err, storage.ErrNotFound):
		return nil, apperr.Wrap(apperr.Transient, err, "load driver %s", req.ID)
	}
	if err := s.drivers.UpsertDriver(ctx, d); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "save driver %s", req.ID)
	}
	return d, nil
}

// SetDriverApproval is the admin approve/reject decision. Only approved
// drivers can be assigned; existing assignments are left alone.
func (s *Service) SetDriverApproval(ctx context.Context, actor models.Actor, id string, a models.Approval) (*models.Driver, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "only admins may approve drivers")
	}
	if !a.Valid() {
		return nil, apperr.New(apperr.InvalidInput, "unknown approval status %q", a)
	}
	d, err := s.drivers.SetDriverApproval(ctx, id, a)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "driver %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "update driver %s", id)
	}
	s.logger.Info("driver approval changed", "driver_id", id, "approval", a, "by", actor.ID)
	return d, nil
}

func (s *Service) GetDriver(ctx context.Context, actor models.Actor, id string) (*models.Driver, error) {
	if !actor.IsAdmin() && !(actor.Role == models.RoleDriver && actor.ID == id) {
		return nil, apperr.New(apperr.Forbidden, "cannot view driver %s", id)
	}
	d, err := s.drivers.GetDriver(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "driver %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "load driver %s", id)
	}
	return d, nil
}

func (s *Service) ListDrivers(ctx context.Context, actor models.Actor, approval models.Approval) ([]*models.Driver, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "only admins may list drivers")
	}
	if approval != "" && !approval.Valid() {
		return nil, apperr.New(apperr.InvalidInput, "unknown approval status %q", approval)
	}
	out, err := s.drivers.ListDrivers(ctx, approval)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list drivers")
	}
	return out, nil
}
