package domain

import (
	"errors"
	"fmt"
	"strings"
)

// VpnAction is what happens to a client whose IP is classified as VPN/proxy.
type VpnAction string

const (
	VpnActionKick          VpnAction = "KICK"
	VpnActionBlockRegister VpnAction = "BLOCK_REGISTER"
	VpnActionBlockLogin    VpnAction = "BLOCK_LOGIN"
	VpnActionLogOnly       VpnAction = "LOG_ONLY"

	DefaultVpnAction = VpnActionKick
)

var ErrUnknownVpnAction = errors.New("unknown vpn action")

// ParseVpnAction accepts the action names case-insensitively. On error the
// returned action is DefaultVpnAction so callers can fall back directly.
func ParseVpnAction(raw string) (VpnAction, error) {
	switch action := VpnAction(strings.ToUpper(strings.TrimSpace(raw))); action {
	case VpnActionKick, VpnActionBlockRegister, VpnActionBlockLogin, VpnActionLogOnly:
		return action, nil
	default:
		return DefaultVpnAction, fmt.Errorf("%w: %q", ErrUnknownVpnAction, raw)
	}
}

// BlocksRegistration reports whether a VPN verdict denies registering.
func (a VpnAction) BlocksRegistration() bool {
	return a == VpnActionKick || a == VpnActionBlockRegister
}

// BlocksLogin reports whether a VPN verdict denies logging in.
func (a VpnAction) BlocksLogin() bool {
	return a == VpnActionKick || a == VpnActionBlockLogin
}

// BlocksJoin reports whether a VPN verdict denies connecting at all.
func (a VpnAction) BlocksJoin() bool {
	return a == VpnActionKick
}
