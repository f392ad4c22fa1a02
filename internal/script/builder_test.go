package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camstage/camstage/engine/internal/device"
	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/policy"
)

func testSnapshot() device.Snapshot {
	return device.Normalize([]device.Descriptor{
		{ID: "cam0", Type: device.TypeCamera, Name: "Integrated Camera", SimulationEnabled: true, AssignedMediaURI: "media://clips/demo.mp4"},
		{ID: "mic0", Type: device.TypeMicrophone, Name: "Internal Mic", SimulationEnabled: true},
	}, "media://default", "Default Source")
}

func injectingDecision(p policy.Protocol) policy.Decision {
	return policy.Decision{Protocol: p, ShouldInject: true}
}

func TestBuildSelectsVariantPerProtocol(t *testing.T) {
	b := NewBuilder(0, logging.NewNop())
	snap := testSnapshot()

	tests := []struct {
		name     string
		decision policy.Decision
		variant  string
	}{
		{"generic", injectingDecision(policy.ProtocolGeneric), "generic/full"},
		{"allowlist uses generic build", injectingDecision(policy.ProtocolAllowlist), "generic/full"},
		{"performance", injectingDecision(policy.ProtocolPerformance), "performance/lean"},
		{"diagnostic", injectingDecision(policy.ProtocolDiagnostic), "diagnostic/verbose"},
		{"stealth basic", injectingDecision(policy.ProtocolStealth), "stealth/basic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := b.Build(tt.decision, snap)
			require.NoError(t, err)
			assert.Equal(t, tt.variant, p.Variant)
			assert.NotEmpty(t, p.FallbackScript)
			assert.Equal(t, tt.decision.Protocol.String(), p.LiveConfig.Protocol)
			assert.Len(t, p.LiveConfig.Devices, 2)
		})
	}
}

func TestBuildStealthAdvancedTable(t *testing.T) {
	b := NewBuilder(0, logging.NewNop())
	snap := testSnapshot()

	d := injectingDecision(policy.ProtocolStealth)
	d.MirrorVideo = true

	p, err := b.Build(d, snap)
	require.NoError(t, err)
	assert.Equal(t, "stealth/advanced", p.Variant)

	d.MirrorVideo = false
	d.Debug = true
	p, err = b.Build(d, snap)
	require.NoError(t, err)
	assert.Equal(t, "stealth/advanced", p.Variant)
}

func TestBuildNoInjectionProducesTeardown(t *testing.T) {
	b := NewBuilder(0, logging.NewNop())

	p, err := b.Build(policy.Decision{Protocol: policy.ProtocolGeneric}, testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "teardown", p.Variant)
	assert.Contains(t, string(p.FallbackScript), "teardown")
	assert.False(t, p.LiveConfig.ShouldInject)
}

func TestBuildSubstitutesReducedVariantOverCeiling(t *testing.T) {
	// A tight ceiling forces the full build over the limit while the reduced
	// build, rendered with fewer features, still fits.
	var substituted []string
	b := NewBuilder(800, logging.NewNop()).
		WithSubstitutionObserver(func(v string) { substituted = append(substituted, v) })

	// Inflate the full build with a long overlay label; the reduced
	// variant drops the overlay feature and with it the label.
	d := injectingDecision(policy.ProtocolGeneric)
	d.OverlayLabel = strings.Repeat("simulated ", 60)
	d.ShowOverlayLabel = true

	snap := device.Snapshot{}
	p, err := b.Build(d, snap)
	require.NoError(t, err)
	assert.Equal(t, "generic/minimal", p.Variant)
	assert.LessOrEqual(t, len(p.FallbackScript), b.Ceiling())
	assert.Equal(t, []string{"generic/minimal"}, substituted)
}

func TestBuildFallsBackToStubWhenReducedStillOversized(t *testing.T) {
	b := NewBuilder(800, logging.NewNop())

	// Device payload large enough that even the reduced variant, which
	// still embeds the device list, exceeds the ceiling.
	devices := make([]device.Descriptor, 40)
	for i := range devices {
		devices[i] = device.Descriptor{
			ID:               strings.Repeat("c", 24),
			Type:             device.TypeCamera,
			Name:             "Very Long Synthetic Device Name For Padding",
			AssignedMediaURI: "media://library/some/deeply/nested/video/path.mp4",
		}
	}

	p, err := b.Build(injectingDecision(policy.ProtocolGeneric), device.Snapshot{Devices: devices})
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Variant)
	assert.LessOrEqual(t, len(p.FallbackScript), b.Ceiling())
	// The live config is untouched by the script-size chain.
	assert.Len(t, p.LiveConfig.Devices, 40)
}

func TestBuildIsDeterministic(t *testing.T) {
	b := NewBuilder(0, logging.NewNop())
	d := injectingDecision(policy.ProtocolGeneric)
	snap := testSnapshot()

	first, err := b.Build(d, snap)
	require.NoError(t, err)
	second, err := b.Build(d, snap)
	require.NoError(t, err)

	assert.Equal(t, first.Variant, second.Variant)
	assert.Equal(t, first.FallbackScript, second.FallbackScript)
	assert.Equal(t, first.LiveConfig, second.LiveConfig)
}
