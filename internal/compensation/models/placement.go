package models

import (
	"strings"
	"time"

	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
)

// Side is a placement color.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

func (s Side) IsValid() bool {
	return s == SideLeft || s == SideRight
}

func (s Side) Opposite() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

// ParseSide accepts "left"/"right" in any case; empty means left.
func ParseSide(raw string) (Side, error) {
	s := Side(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return SideLeft, nil
	}
	if !s.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "side must be 'left' or 'right'")
	}
	return s, nil
}

// Placement is a user's own position under a parent. A parent may hold any number of
// placements per side; every node under the first edge shares that edge's color.
type Placement struct {
	UserID    id.UserID `json:"user_id"`
	ParentID  id.UserID `json:"parent_id"`
	Side      Side      `json:"side"`
	Level     int       `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// Descendant is a node reached from an ancestor along one color.
type Descendant struct {
	UserID id.UserID `json:"user_id"`
	Depth  int       `json:"depth"`
}

// Ancestor is a node above a user with the color of the path relative to it.
type Ancestor struct {
	UserID id.UserID `json:"user_id"`
	Side   Side      `json:"side"`
	Depth  int       `json:"depth"`
}

// RegisterRequest places a new user. A nil UserID is generated.
type RegisterRequest struct {
	UserID     id.UserID  `json:"user_id"`
	ReferrerID *id.UserID `json:"referrer_id,omitempty"`
	Side       Side       `json:"side,omitempty"`
	Role       Role       `json:"role,omitempty"`
}

func (r *RegisterRequest) Normalize() {
	if r == nil {
		return
	}
	r.Side = Side(strings.ToLower(strings.TrimSpace(string(r.Side))))
	r.Role = Role(strings.ToLower(strings.TrimSpace(string(r.Role))))
	if r.Side == "" {
		r.Side = SideLeft
	}
	if r.Role == "" {
		r.Role = RoleMember
	}
	if r.ReferrerID != nil && r.ReferrerID.IsNil() {
		r.ReferrerID = nil
	}
}

func (r *RegisterRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if !r.Side.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "side must be 'left' or 'right'")
	}
	if !r.Role.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "role must be 'member' or 'admin'")
	}
	return nil
}
