package middleware

import (
	"fmt"
	"net/http"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/gin-gonic/gin"

	"github.com/waveflow-go/pkg/database"
	"github.com/waveflow-go/pkg/logger"
)

// defaultModel is used when no model file is configured. Policies match
// on subject (user or role through g), keyMatch2 path pattern and
// action, with "*" as the action wildcard.
const defaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// Built-in roles seeded when the policy store is empty.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Actions HTTP methods map to.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Enforcer wraps the casbin enforcer with its policy store.
type Enforcer struct {
	enforcer *casbin.Enforcer
	logger   logger.Logger
}

// NewEnforcer builds an RBAC enforcer persisting policies through the
// database. An empty modelPath falls back to the built-in model; an
// empty policy store is seeded with the built-in roles.
func NewEnforcer(db *database.DB, modelPath string, log logger.Logger) (*Enforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy adapter: %w", err)
	}

	var enforcer *casbin.Enforcer
	if modelPath != "" {
		enforcer, err = casbin.NewEnforcer(modelPath, adapter)
	} else {
		var m casbinmodel.Model
		m, err = casbinmodel.NewModelFromString(defaultModel)
		if err == nil {
			enforcer, err = casbin.NewEnforcer(m, adapter)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}
	enforcer.EnableAutoSave(true)

	e := &Enforcer{enforcer: enforcer, logger: log.With("component", "rbac")}
	if err := e.seedDefaultPolicy(); err != nil {
		return nil, err
	}
	return e, nil
}

// seedDefaultPolicy installs the built-in role policies on first boot.
func (e *Enforcer) seedDefaultPolicy() error {
	policies, err := e.enforcer.GetPolicy()
	if err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}
	if len(policies) > 0 {
		return nil
	}

	// keyMatch2 only expands "/*", so collections and their subpaths
	// need separate rules.
	defaults := [][]string{
		{RoleAdmin, "/api/v1/*", "*"},
		{RoleOperator, "/api/v1/*", ActionRead},
		{RoleOperator, "/api/v1/executions", "*"},
		{RoleOperator, "/api/v1/executions/*", "*"},
		{RoleOperator, "/api/v1/approvals/*", "*"},
		{RoleOperator, "/api/v1/schedules", "*"},
		{RoleOperator, "/api/v1/schedules/*", "*"},
		{RoleViewer, "/api/v1/*", ActionRead},
	}
	for _, policy := range defaults {
		if _, err := e.enforcer.AddPolicy(policy[0], policy[1], policy[2]); err != nil {
			return fmt.Errorf("failed to seed policy: %w", err)
		}
	}
	e.logger.Info("Seeded default RBAC policy", "rules", len(defaults))
	return nil
}

// CheckPermission reports whether the subject may perform the action on
// the resource, directly or through a stored role.
func (e *Enforcer) CheckPermission(subject, resource, action string) (bool, error) {
	allowed, err := e.enforcer.Enforce(subject, resource, action)
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// AddRole assigns a role to a user.
func (e *Enforcer) AddRole(userID, role string) error {
	if _, err := e.enforcer.AddGroupingPolicy(userID, role); err != nil {
		return fmt.Errorf("failed to add role: %w", err)
	}
	return nil
}

// RemoveRole removes a role from a user.
func (e *Enforcer) RemoveRole(userID, role string) error {
	if _, err := e.enforcer.RemoveGroupingPolicy(userID, role); err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}
	return nil
}

// GetRoles returns the roles stored for a user.
func (e *Enforcer) GetRoles(userID string) ([]string, error) {
	return e.enforcer.GetRolesForUser(userID)
}

// AddPermission grants a role an action on a resource pattern.
func (e *Enforcer) AddPermission(role, resource, action string) error {
	if _, err := e.enforcer.AddPolicy(role, resource, action); err != nil {
		return fmt.Errorf("failed to add permission: %w", err)
	}
	return nil
}

// Authorize checks the authenticated caller against the policy. Roles
// asserted by the token are honored even when the user has no stored
// role assignments.
func Authorize(enforcer *Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			c.Abort()
			return
		}

		obj := c.Request.URL.Path
		act := methodToAction(c.Request.Method)

		allowed, err := enforcer.CheckPermission(userID, obj, act)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check permissions"})
			c.Abort()
			return
		}

		if !allowed {
			if roles, ok := Roles(c); ok {
				for _, role := range roles {
					allowed, _ = enforcer.CheckPermission(role, obj, act)
					if allowed {
						break
					}
				}
			}
		}

		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "permission denied",
				"details": fmt.Sprintf("user %s cannot %s %s", userID, act, obj),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func methodToAction(method string) string {
	switch method {
	case http.MethodGet:
		return ActionRead
	case http.MethodPost:
		return ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionRead
	}
}
