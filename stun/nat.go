package stun

import (
	"fmt"
	"net/netip"
	"strings"
)

// Behavior is the NAT mapping behavior.
type Behavior int

const (
	UnknownBehavior Behavior = iota
	// DirectMapping means there is no NAT: the server sees the local address.
	DirectMapping
	// EndpointIndependentMapping reuses one mapping for every destination.
	EndpointIndependentMapping
	// AddressDependentMapping changes the mapping per destination host.
	AddressDependentMapping
	// AddressAndPortDependentMapping changes the mapping per destination
	// host and port.
	AddressAndPortDependentMapping
)

func (b Behavior) String() string {
	switch b {
	case DirectMapping:
		return "DirectMapping"
	case EndpointIndependentMapping:
		return "EndpointIndependentMapping"
	case AddressDependentMapping:
		return "AddressDependentMapping"
	case AddressAndPortDependentMapping:
		return "AddressAndPortDependentMapping"
	default:
		return "Unknown"
	}
}

// Filtering is the NAT filtering behavior.
type Filtering int

const (
	UnknownFiltering Filtering = iota
	// EndpointIndependentFiltering admits traffic from any address once a
	// mapping exists.
	EndpointIndependentFiltering
	// AddressDependentFiltering admits traffic from hosts the client sent to.
	AddressDependentFiltering
	// AddressAndPortDependentFiltering admits traffic only from the exact
	// host and port the client sent to.
	AddressAndPortDependentFiltering
)

func (f Filtering) String() string {
	switch f {
	case EndpointIndependentFiltering:
		return "EndpointIndependentFiltering"
	case AddressDependentFiltering:
		return "AddressDependentFiltering"
	case AddressAndPortDependentFiltering:
		return "AddressAndPortDependentFiltering"
	default:
		return "Unknown"
	}
}

// Results accumulates what the test chain learned.
type Results struct {
	Server netip.AddrPort

	BindingOK     bool
	Local         netip.AddrPort
	Mapped        netip.AddrPort
	MappingDirect bool

	// Other is the server's alternate host and port. OtherHost keeps the
	// primary port on the alternate host and OtherPort the alternate port on
	// the primary host.
	HasOther  bool
	Other     netip.AddrPort
	OtherHost netip.AddrPort
	OtherPort netip.AddrPort

	BehaviorOK     bool
	Behavior       Behavior
	MappedViaHost  netip.AddrPort
	MappedViaOther netip.AddrPort

	FilteringOK bool
	Filtering   Filtering
}

// String renders a one line report.
func (r Results) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "server %s", r.Server)
	if !r.BindingOK {
		sb.WriteString(", binding failed")
		return sb.String()
	}
	fmt.Fprintf(&sb, ", local %s, mapped %s", r.Local, r.Mapped)
	if r.HasOther {
		fmt.Fprintf(&sb, ", other %s", r.Other)
	}
	if r.BehaviorOK {
		fmt.Fprintf(&sb, ", behavior %s", r.Behavior)
	} else {
		sb.WriteString(", behavior test failed")
	}
	if r.FilteringOK {
		fmt.Fprintf(&sb, ", filtering %s", r.Filtering)
	} else {
		sb.WriteString(", filtering test failed")
	}
	return sb.String()
}
