// Package tools defines the tool model and the registry that auto-discovers
// built-in tool modules at startup. External tool servers contribute their
// tools through the fleet; both surfaces share the Definition shape.
package tools

import (
	"context"
	"time"
)

// Permission classifies the side effects of a tool.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// Role identifies a class of caller.
type Role string

const (
	RoleStakeholder Role = "stakeholder"
	RoleDeveloper   Role = "developer"
	RoleAdmin       Role = "admin"
)

// AllRoles is the default AllowedRoles for read tools.
var AllRoles = []Role{RoleStakeholder, RoleDeveloper, RoleAdmin}

// Definition describes a tool to callers. Unique by Name.
type Definition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema"`
	Domain       string         `json:"domain"`
	Permission   Permission     `json:"permission"`
	AllowedRoles []Role         `json:"allowedRoles"`
}

// AllowsRole reports whether the role may call this tool. Write and admin
// tools never reach stakeholders regardless of AllowedRoles.
func (d Definition) AllowsRole(role Role) bool {
	if role == RoleStakeholder && d.Permission != PermissionRead {
		return false
	}
	for _, r := range d.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// CallContext carries caller identity into a tool execution.
type CallContext struct {
	SessionID  string
	Role       Role
	InstanceID string
}

// Result is what a tool execution produces.
type Result struct {
	Content  string         `json:"content,omitempty"`
	Output   any            `json:"output,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool is the executable unit held by the registry.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any, call CallContext) (Result, error)
}

// ExecuteFunc adapts a function to the Tool interface.
type ExecuteFunc func(ctx context.Context, args map[string]any, call CallContext) (Result, error)

type funcTool struct {
	def Definition
	fn  ExecuteFunc
}

// NewTool builds a Tool from a definition and an execute function.
func NewTool(def Definition, fn ExecuteFunc) Tool {
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Definition() Definition {
	return t.def
}

func (t *funcTool) Execute(ctx context.Context, args map[string]any, call CallContext) (Result, error) {
	return t.fn(ctx, args, call)
}

// Module is a discoverable group of tools sharing a domain.
type Module interface {
	Domain() string
	Tools() ([]Tool, error)
}
