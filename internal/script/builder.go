// Package script builds the deliverable media configuration for the
// embedded context: a live MediaConfig for contexts with an installed
// update hook, and a complete fallback script blob for contexts without
// one. The script content itself is opaque to the rest of the engine;
// only its size is policed here.
package script

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/camstage/camstage/engine/internal/device"
	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/policy"
)

// DefaultCeilingBytes is the hard size ceiling for fallback scripts when
// no configuration is supplied.
const DefaultCeilingBytes = 256 * 1024

// MediaConfig is the serializable object handed to the embedded context
// over the live update channel.
type MediaConfig struct {
	Protocol         string                 `json:"protocol"`
	ShouldInject     bool                   `json:"should_inject"`
	Stealth          bool                   `json:"stealth"`
	ForceSimulation  bool                   `json:"force_simulation"`
	MirrorVideo      bool                   `json:"mirror_video"`
	OverlayLabel     string                 `json:"overlay_label,omitempty"`
	ShowOverlayLabel bool                   `json:"show_overlay_label"`
	Debug            bool                   `json:"debug"`
	Devices          []device.Descriptor    `json:"devices"`
	Extensions       map[string]interface{} `json:"extensions,omitempty"`
}

// Payload is the build result: the live config, the fallback script blob
// for contexts without an update hook, and the variant actually chosen
// (reported for observability).
type Payload struct {
	LiveConfig     MediaConfig
	FallbackScript []byte
	Variant        string
}

// Builder selects a script builder per protocol and enforces the size
// ceiling with a reduced-feature substitution, never a retry.
type Builder struct {
	ceiling int
	logger  *logging.Logger

	// onSubstitution observes ceiling-triggered fallbacks (metrics).
	onSubstitution func(variant string)
}

// NewBuilder creates a builder with the given size ceiling. A zero or
// negative ceiling selects the default.
func NewBuilder(ceilingBytes int, logger *logging.Logger) *Builder {
	if ceilingBytes <= 0 {
		ceilingBytes = DefaultCeilingBytes
	}
	return &Builder{ceiling: ceilingBytes, logger: logger}
}

// WithSubstitutionObserver installs a callback fired when the ceiling
// forces a reduced-feature substitution.
func (b *Builder) WithSubstitutionObserver(fn func(variant string)) *Builder {
	b.onSubstitution = fn
	return b
}

// Ceiling returns the configured size ceiling in bytes.
func (b *Builder) Ceiling() int {
	return b.ceiling
}

// Build produces the deliverable payload for a decision and device
// snapshot. The protocol switch is exhaustive over the closed variant set;
// a decision that should not inject yields a teardown payload that
// instructs the context to restore real devices.
func (b *Builder) Build(d policy.Decision, snap device.Snapshot) (Payload, error) {
	cfg := configFromDecision(d, snap)

	var primary, reduced variant
	switch d.Protocol {
	case policy.ProtocolOff:
		primary, reduced = teardownVariant, teardownVariant
	case policy.ProtocolGeneric:
		primary, reduced = genericFull, genericMinimal
	case policy.ProtocolStealth:
		primary, reduced = stealthVariantFor(d), stealthMinimal
	case policy.ProtocolAllowlist:
		primary, reduced = genericFull, genericMinimal
	case policy.ProtocolPerformance:
		primary, reduced = performanceLean, genericMinimal
	case policy.ProtocolDiagnostic:
		primary, reduced = diagnosticVerbose, genericMinimal
	default:
		return Payload{}, fmt.Errorf("no builder for protocol %q", d.Protocol)
	}

	if !d.ShouldInject {
		primary, reduced = teardownVariant, teardownVariant
	}

	cfg.Extensions = primary.extensions(cfg.Extensions)

	blob, err := primary.render(cfg)
	if err != nil {
		return Payload{}, err
	}
	chosen := primary

	if len(blob) > b.ceiling && reduced.name != primary.name {
		// Hard ceiling: substitute the designated reduced-feature variant
		// rather than deliver an oversized payload. Callers never wait for
		// a smaller result to be recomputed.
		b.logger.Warn("Fallback script exceeds ceiling, substituting reduced variant",
			zap.String("variant", primary.name),
			zap.Int("size", len(blob)),
			zap.Int("ceiling", b.ceiling),
		)
		reducedCfg := cfg
		reducedCfg.Extensions = reduced.extensions(nil)
		blob, err = reduced.render(reducedCfg)
		if err != nil {
			return Payload{}, err
		}
		chosen = reduced
		if b.onSubstitution != nil {
			b.onSubstitution(reduced.name)
		}
	}

	if len(blob) > b.ceiling {
		// The reduced variant embeds the device list too; trim it and
		// render the bare stub as the last rung of the chain.
		stubCfg := cfg
		stubCfg.Devices = nil
		stubCfg.Extensions = nil
		blob, err = minimalStub.render(stubCfg)
		if err != nil {
			return Payload{}, err
		}
		chosen = minimalStub
		if b.onSubstitution != nil {
			b.onSubstitution(minimalStub.name)
		}
	}

	return Payload{
		LiveConfig:     cfg,
		FallbackScript: blob,
		Variant:        chosen.name,
	}, nil
}

// configFromDecision flattens a decision and device snapshot into the
// serializable live config.
func configFromDecision(d policy.Decision, snap device.Snapshot) MediaConfig {
	return MediaConfig{
		Protocol:         d.Protocol.String(),
		ShouldInject:     d.ShouldInject,
		Stealth:          d.Stealth,
		ForceSimulation:  d.ForceSimulation,
		MirrorVideo:      d.MirrorVideo,
		OverlayLabel:     d.OverlayLabel,
		ShowOverlayLabel: d.ShowOverlayLabel,
		Debug:            d.Debug,
		Devices:          snap.Devices,
	}
}

// stealthVariantFor consults the secondary variant table: the advanced
// stealth build is selected only when its sub-features are enabled.
func stealthVariantFor(d policy.Decision) variant {
	if d.Debug || d.MirrorVideo {
		return stealthAdvanced
	}
	return stealthBasic
}

// EncodeConfig serializes a MediaConfig for delivery.
func EncodeConfig(cfg MediaConfig) (json.RawMessage, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode media config: %w", err)
	}
	return raw, nil
}
