// Package policy resolves the current injection decision from protocol,
// site, and device state. Resolution is pure: same inputs produce a
// structurally equal Decision, which lets the scheduler skip no-op
// recomputations.
package policy

import (
	"fmt"
	"strings"
)

// Protocol is a closed set of injection strategies. Adding a protocol means
// adding a variant here and a builder case in the script package; the
// exhaustive switches are checked at compile time.
type Protocol int

const (
	// ProtocolOff disables injection entirely.
	ProtocolOff Protocol = iota
	// ProtocolGeneric is the default full-feature strategy.
	ProtocolGeneric
	// ProtocolStealth minimizes observable side effects in the page.
	ProtocolStealth
	// ProtocolAllowlist injects only on explicitly listed hosts.
	ProtocolAllowlist
	// ProtocolPerformance trades features for low overhead on heavy pages.
	ProtocolPerformance
	// ProtocolDiagnostic enables verbose instrumentation for debugging.
	ProtocolDiagnostic
)

// String returns the protocol identifier used on the wire.
func (p Protocol) String() string {
	switch p {
	case ProtocolOff:
		return "off"
	case ProtocolGeneric:
		return "generic"
	case ProtocolStealth:
		return "stealth"
	case ProtocolAllowlist:
		return "allowlist"
	case ProtocolPerformance:
		return "performance"
	case ProtocolDiagnostic:
		return "diagnostic"
	default:
		return "unknown"
	}
}

// Parse maps a protocol identifier to its variant.
func Parse(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "off":
		return ProtocolOff, nil
	case "generic":
		return ProtocolGeneric, nil
	case "stealth":
		return ProtocolStealth, nil
	case "allowlist":
		return ProtocolAllowlist, nil
	case "performance":
		return ProtocolPerformance, nil
	case "diagnostic":
		return ProtocolDiagnostic, nil
	default:
		return ProtocolOff, fmt.Errorf("unknown protocol: %q", s)
	}
}

// ForcesSimulation reports whether the protocol enables simulation
// regardless of per-site policy.
func (p Protocol) ForcesSimulation() bool {
	return p == ProtocolStealth || p == ProtocolPerformance
}

// ProtocolState is the active protocol plus its global flags, supplied by
// the external policy store.
type ProtocolState struct {
	Active         Protocol
	AllowedHosts   []string
	BlockUnlisted  bool
	DisableStealth bool // global kill switch for stealth, overrides per-site
	Debug          bool
}

// SiteState is the per-site policy snapshot for the currently loaded page.
type SiteState struct {
	Host              string
	Origin            string
	SimulationEnabled bool
	StealthOverride   *bool // per-site override of the protocol's stealth default
	OverlayLabel      string
	MirrorVideo       bool
}

// DeviceState is the slice of device-template state relevant to resolution.
type DeviceState struct {
	SimulationEnabled bool
	HasAssignedVideo  bool
}

// Decision is the resolved injection decision. Immutable once produced;
// a new resolution supersedes it atomically from the scheduler's view.
type Decision struct {
	Protocol         Protocol
	ShouldInject     bool
	Stealth          bool
	ForceSimulation  bool
	MirrorVideo      bool
	OverlayLabel     string
	ShowOverlayLabel bool
	Debug            bool
	AllowlistBlocked bool
}

// Equal reports structural equality. Used by the scheduler to detect
// no-op recomputation.
func (d Decision) Equal(other Decision) bool {
	return d == other
}

// noInjection is the safe decision for inconsistent or disabled input.
func noInjection(p Protocol, blocked bool) Decision {
	return Decision{Protocol: p, AllowlistBlocked: blocked}
}

// Resolve computes the injection decision. Pure and synchronous.
//
/// Precedence: an allowlist block always wins, including over protocols
// that force simulation.
func Resolve(proto ProtocolState, site SiteState, device DeviceState) Decision {
	active := proto.Active
	if active < ProtocolOff || active > ProtocolDiagnostic {
		// Unknown protocol id from the external store resolves to a safe
		// no-injection decision instead of failing.
		return noInjection(ProtocolOff, false)
	}
	if active == ProtocolOff {
		return noInjection(ProtocolOff, false)
	}

	if proto.BlockUnlisted && !hostAllowed(site.Host, proto.AllowedHosts) {
		return noInjection(active, true)
	}

	forced := active.ForcesSimulation()
	inject := forced || (site.SimulationEnabled && device.SimulationEnabled)
	if !inject {
		return noInjection(active, false)
	}

	stealth := active == ProtocolStealth
	if site.StealthOverride != nil {
		stealth = *site.StealthOverride
	}
	if proto.DisableStealth {
		stealth = false
	}

	label := site.OverlayLabel
	showLabel := !stealth && label != ""

	return Decision{
		Protocol:         active,
		ShouldInject:     true,
		Stealth:          stealth,
		ForceSimulation:  forced,
		MirrorVideo:      site.MirrorVideo,
		OverlayLabel:     label,
		ShowOverlayLabel: showLabel,
		Debug:            proto.Debug || active == ProtocolDiagnostic,
	}
}

// hostAllowed matches a host against the allowlist, including parent
// domain entries ("example.com" admits "app.example.com").
func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
