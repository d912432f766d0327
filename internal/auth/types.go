package auth

import (
	"context"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
)

const (
	CodeMissingSignature xerrors.Code = "AUTH_MISSING_SIGNATURE"
	CodeInvalidSignature xerrors.Code = "AUTH_INVALID_SIGNATURE"
	CodeStaleRequest     xerrors.Code = "AUTH_STALE_REQUEST"
	CodePermissionDenied xerrors.Code = "AUTH_PERMISSION_DENIED"
	CodeReplayedRequest  xerrors.Code = "AUTH_REPLAYED_REQUEST"
)

func init() {
	xerrors.Register(CodeMissingSignature, xerrors.Attributes{Message: "missing request signature", Severity: xerrors.SeverityInfo, HTTPStatus: 401})
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{Message: "invalid request signature", Severity: xerrors.SeverityWarning, HTTPStatus: 401})
	xerrors.Register(CodeStaleRequest, xerrors.Attributes{Message: "request timestamp outside the accepted window", Severity: xerrors.SeverityInfo, HTTPStatus: 401})
	xerrors.Register(CodeReplayedRequest, xerrors.Attributes{Message: "request already processed", Severity: xerrors.SeverityWarning, HTTPStatus: 401})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning, HTTPStatus: 403})
}

// Role 是签名者在 API 上的角色。
type Role string

const (
	// RoleAdmin 可以执行 initialize 等部署操作。
	RoleAdmin Role = "admin"
	// RoleOracle 可以提交预言机回调。
	RoleOracle Role = "oracle"
)

// RoleStore 返回地址被授予的角色，未登记的地址返回空列表。
type RoleStore interface {
	Roles(ctx context.Context, addr common.Address) ([]Role, error)
}

// Subject 是通过签名校验的调用方。
type Subject struct {
	Address common.Address
	Roles   []Role
}

// HasRole 判断调用方是否具备角色。
func (s *Subject) HasRole(role Role) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.Roles, role)
}

// Authorize 要求调用方具备全部角色。
func (s *Subject) Authorize(roles ...Role) error {
	if s == nil {
		return xerrors.New(CodeMissingSignature, "请求未签名")
	}
	for _, role := range roles {
		if !s.HasRole(role) {
			return xerrors.New(CodePermissionDenied, "缺少角色 "+string(role))
		}
	}
	return nil
}
