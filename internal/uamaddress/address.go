// Package uamaddress parses and validates UAM agent::domain addresses.
//
// Address grammar is enforced in exactly one place: Parse. Every other
// package that needs an Address gets it by calling Parse, never by
// constructing the struct directly with unchecked fields.
package uamaddress

import (
	"regexp"
	"strings"

	"github.com/YouAM-Network/uam/internal/uamerr"
)

const (
	maxAgentLen   = 64
	maxAddressLen = 128
)

var addressRe = regexp.MustCompile(
	`^(?P<agent>[a-z0-9][a-z0-9_-]{0,62}[a-z0-9]|[a-z0-9])::(?P<domain>[a-z0-9](?:[a-z0-9.-]{0,253}[a-z0-9])?)$`,
)

// Address is an immutable, validated agent::domain identifier.
type Address struct {
	agent  string
	domain string
}

// Agent returns the agent-local part of the address.
func (a Address) Agent() string { return a.agent }

// Domain returns the domain part of the address.
func (a Address) Domain() string { return a.domain }

// Full renders the canonical agent::domain string.
func (a Address) Full() string { return a.agent + "::" + a.domain }

// String satisfies fmt.Stringer.
func (a Address) String() string { return a.Full() }

// IsZero reports whether a is the zero value (no address parsed).
func (a Address) IsZero() bool { return a.agent == "" && a.domain == "" }

// Parse validates and normalizes a raw agent::domain string. It is the only
// function in this module permitted to enforce address grammar.
func Parse(raw string) (Address, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if len(trimmed) == 0 {
		return Address{}, &uamerr.InvalidAddressError{Raw: raw, Reason: "empty address"}
	}
	if len(trimmed) > maxAddressLen {
		return Address{}, &uamerr.InvalidAddressError{Raw: raw, Reason: "exceeds maximum length of 128"}
	}

	m := addressRe.FindStringSubmatch(trimmed)
	if m == nil {
		return Address{}, &uamerr.InvalidAddressError{Raw: raw, Reason: "does not match agent::domain grammar"}
	}

	agent := m[addressRe.SubexpIndex("agent")]
	domain := m[addressRe.SubexpIndex("domain")]

	if len(agent) > maxAgentLen {
		return Address{}, &uamerr.InvalidAddressError{Raw: raw, Reason: "agent part exceeds maximum length of 64"}
	}

	return Address{agent: agent, domain: domain}, nil
}

// MustParse panics on an invalid address; intended for tests and constants,
// never for handling untrusted input.
func MustParse(raw string) Address {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}
