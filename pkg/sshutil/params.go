package sshutil

import (
	"fmt"
	"strconv"
	"time"
)

// AuthType selects how the ssh client authenticates.
type AuthType int

const (
	// AuthAll lets ssh try every method it knows (agent, default keys, ...).
	AuthAll AuthType = iota
	// AuthPassword restricts authentication to passwords.
	AuthPassword
	// AuthSpecificKey uses only PrivateKeyFile.
	AuthSpecificKey
)

func (a AuthType) String() string {
	switch a {
	case AuthPassword:
		return "password"
	case AuthSpecificKey:
		return "key"
	default:
		return "any"
	}
}

// ParseAuthType maps a config value to an AuthType. Empty means AuthAll.
func ParseAuthType(s string) (AuthType, error) {
	switch s {
	case "", "any", "all":
		return AuthAll, nil
	case "password":
		return AuthPassword, nil
	case "key", "specific-key":
		return AuthSpecificKey, nil
	}
	return AuthAll, fmt.Errorf("unknown auth type %q (want any, password or key)", s)
}

// HostKeyChecking mirrors ssh's StrictHostKeyChecking modes.
type HostKeyChecking int

const (
	// HostKeyStrict refuses unknown and changed host keys.
	HostKeyStrict HostKeyChecking = iota
	// HostKeyAllowNoMatch accepts unknown hosts but refuses changed keys.
	HostKeyAllowNoMatch
	// HostKeyNone skips host key verification entirely.
	HostKeyNone
)

func (h HostKeyChecking) String() string {
	switch h {
	case HostKeyAllowNoMatch:
		return "allow-no-match"
	case HostKeyNone:
		return "none"
	default:
		return "strict"
	}
}

// sshOption is the value passed as -o StrictHostKeyChecking=<v>.
func (h HostKeyChecking) sshOption() string {
	switch h {
	case HostKeyAllowNoMatch:
		return "accept-new"
	case HostKeyNone:
		return "no"
	default:
		return "yes"
	}
}

// ParseHostKeyChecking maps a config value to a HostKeyChecking mode.
func ParseHostKeyChecking(s string) (HostKeyChecking, error) {
	switch s {
	case "", "strict":
		return HostKeyStrict, nil
	case "allow-no-match", "accept-new":
		return HostKeyAllowNoMatch, nil
	case "none", "no":
		return HostKeyNone, nil
	}
	return HostKeyStrict, fmt.Errorf("unknown host key checking mode %q (want strict, allow-no-match or none)", s)
}

const (
	// DefaultPort is used when Parameters.Port is zero.
	DefaultPort = 22
	// DefaultTimeout is the connect timeout when Parameters.Timeout is zero.
	DefaultTimeout = 10 * time.Second
	// ServerAliveInterval is the keepalive interval passed to every ssh invocation.
	ServerAliveInterval = 10
)

// Parameters identifies an ssh endpoint and how to authenticate against it.
// It is a value type: copy it freely, compare it with Equal.
type Parameters struct {
	Host            string
	Port            int
	UserName        string
	AuthType        AuthType
	PrivateKeyFile  string
	HostKeyChecking HostKeyChecking
	Timeout         time.Duration
	X11DisplayName  string

	// AskPass is the local program ssh asks for passwords when AuthType is
	// AuthPassword. It is a client setting, not part of the endpoint, so
	// equality ignores it.
	AskPass string

	// Link is the jump device this endpoint is reached through, if any.
	// Chains of any depth are allowed.
	Link *Parameters
}

// Equal reports whether p and o describe the same endpoint including the
// X11 display.
func (p Parameters) Equal(o Parameters) bool {
	return p.EqualDisplayless(o) && p.X11DisplayName == o.X11DisplayName
}

// EqualDisplayless compares everything except X11DisplayName. Two requests
// that differ only in their display share one multiplexed transport. Jump
// hosts never forward a display, so the link chain is compared displayless
// at every hop.
func (p Parameters) EqualDisplayless(o Parameters) bool {
	if p.Host != o.Host ||
		p.EffectivePort() != o.EffectivePort() ||
		p.UserName != o.UserName ||
		p.AuthType != o.AuthType ||
		p.PrivateKeyFile != o.PrivateKeyFile ||
		p.HostKeyChecking != o.HostKeyChecking ||
		p.EffectiveTimeout() != o.EffectiveTimeout() {
		return false
	}
	switch {
	case p.Link == nil && o.Link == nil:
		return true
	case p.Link == nil || o.Link == nil:
		return false
	}
	return p.Link.EqualDisplayless(*o.Link)
}

// Displayless returns a copy of p with the X11 display cleared.
func (p Parameters) Displayless() Parameters {
	p.X11DisplayName = ""
	return p
}

// EffectivePort returns Port, or DefaultPort when unset.
func (p Parameters) EffectivePort() int {
	if p.Port <= 0 {
		return DefaultPort
	}
	return p.Port
}

// EffectiveTimeout returns Timeout, or DefaultTimeout when unset.
func (p Parameters) EffectiveTimeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

// UserAtHost renders "user@host", or just the host when no user is set.
func (p Parameters) UserAtHost() string {
	if p.UserName == "" {
		return p.Host
	}
	return p.UserName + "@" + p.Host
}

// String renders "user@host:port" for logs and messages.
func (p Parameters) String() string {
	return p.UserAtHost() + ":" + strconv.Itoa(p.EffectivePort())
}

// Chain returns the jump hosts in connection order, outermost first.
// The endpoint itself is not included.
func (p Parameters) Chain() []Parameters {
	var hops []Parameters
	for l := p.Link; l != nil; l = l.Link {
		hops = append([]Parameters{*l}, hops...)
	}
	return hops
}

// Validate checks the fields ssh cannot run without.
func (p Parameters) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("no host given")
	}
	if p.AuthType == AuthSpecificKey && p.PrivateKeyFile == "" {
		return fmt.Errorf("auth type 'key' needs a private key file")
	}
	seen := 0
	for l := p.Link; l != nil; l = l.Link {
		seen++
		if seen > 16 {
			return fmt.Errorf("jump chain for %s is too deep or cyclic", p.Host)
		}
		if l.Host == "" {
			return fmt.Errorf("jump device for %s has no host", p.Host)
		}
	}
	return nil
}
