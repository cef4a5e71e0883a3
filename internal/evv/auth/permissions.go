// Package auth maps roles to EVV permissions. The table is static: roles are
// coarse job functions, and the compliance-sensitive actions behind each
// permission carry their own audit trail.
package auth

import (
	"context"

	"careverify/internal/evv/ports"
	dErrors "careverify/pkg/domain-errors"
)

// rolePermissions grants permissions per role. Caregivers deliberately hold
// no permissions here: clock events are authorized against the visit
// assignment, not a role.
var rolePermissions = map[string][]ports.Permission{
	"supervisor":  {ports.PermissionManualOverride},
	"coordinator": {ports.PermissionSubmit},
	"admin":       {ports.PermissionManualOverride, ports.PermissionSubmit},
}

// RolePermissionService authorizes permissioned actions from the actor's
// roles.
type RolePermissionService struct{}

func NewRolePermissionService() *RolePermissionService {
	return &RolePermissionService{}
}

func (s *RolePermissionService) Authorize(_ context.Context, actor ports.Actor, permission ports.Permission) error {
	for _, role := range actor.Roles {
		for _, granted := range rolePermissions[role] {
			if granted == permission {
				return nil
			}
		}
	}
	return dErrors.Newf(dErrors.CodeForbidden, "actor %s lacks permission %s", actor.ID, permission)
}
