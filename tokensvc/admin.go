package tokensvc

import (
	"context"

	"github.com/authgw/authgw/gwerrors"
)

// IsAdmin reports whether username is a gateway administrator, spec.md
// §3's Admin entity.
func (s *Service) IsAdmin(ctx context.Context, username string) (bool, error) {
	ok, err := s.sql.IsAdmin(ctx, username)
	if err != nil {
		return false, gwerrors.Wrap(gwerrors.KindServerError, "failed to check admin status", err)
	}
	return ok, nil
}

// ListAdmins returns every administrator username.
func (s *Service) ListAdmins(ctx context.Context) ([]string, error) {
	admins, err := s.sql.ListAdmins(ctx)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindServerError, "failed to list admins", err)
	}
	return admins, nil
}

// AddAdmin grants username administrator privileges.
func (s *Service) AddAdmin(ctx context.Context, username string) error {
	if err := s.sql.AddAdmin(ctx, username); err != nil {
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to add admin", err)
	}
	return nil
}

// RemoveAdmin revokes username's administrator privileges.
func (s *Service) RemoveAdmin(ctx context.Context, username string) error {
	if err := s.sql.RemoveAdmin(ctx, username); err != nil {
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to remove admin", err)
	}
	return nil
}

// BootstrapAdmins seeds the initial administrator set from config's
// initial_admins, spec.md §6. Safe to call on every startup: the
// underlying store only adds usernames while the admin set is empty, and
// does nothing once any admin exists.
func (s *Service) BootstrapAdmins(ctx context.Context, usernames []string) error {
	if err := s.sql.BootstrapAdmins(ctx, usernames); err != nil {
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to bootstrap admins", err)
	}
	return nil
}
