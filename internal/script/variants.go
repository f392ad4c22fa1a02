package script

import (
	"encoding/json"
	"fmt"
	"strings"
)

// variant is one row of the protocol -> builder table. Each variant renders
// a complete fallback script around the serialized config; feature blocks
// are what separate the full builds from their reduced substitutes.
type variant struct {
	name     string
	features []string
}

var (
	genericFull       = variant{name: "generic/full", features: []string{"enumerate", "getUserMedia", "overlay", "track-constraints"}}
	genericMinimal    = variant{name: "generic/minimal", features: []string{"getUserMedia"}}
	stealthBasic      = variant{name: "stealth/basic", features: []string{"enumerate", "getUserMedia", "quiet-errors"}}
	stealthAdvanced   = variant{name: "stealth/advanced", features: []string{"enumerate", "getUserMedia", "quiet-errors", "mirror", "trace"}}
	stealthMinimal    = variant{name: "stealth/minimal", features: []string{"getUserMedia", "quiet-errors"}}
	performanceLean   = variant{name: "performance/lean", features: []string{"getUserMedia", "low-latency"}}
	diagnosticVerbose = variant{name: "diagnostic/verbose", features: []string{"enumerate", "getUserMedia", "overlay", "trace", "timings"}}
	teardownVariant   = variant{name: "teardown", features: nil}
	minimalStub       = variant{name: "stub", features: nil}
)

// extensions merges the variant's transport tuning into the config's
// extension map. The engine treats these fields as opaque beyond shape.
func (v variant) extensions(base map[string]interface{}) map[string]interface{} {
	if len(v.features) == 0 {
		return base
	}
	out := make(map[string]interface{}, len(base)+2)
	for k, val := range base {
		out[k] = val
	}
	out["features"] = v.features
	switch {
	case strings.HasPrefix(v.name, "performance/"):
		out["cache_policy"] = "aggressive"
		out["frame_budget_ms"] = 8
	case strings.HasPrefix(v.name, "diagnostic/"):
		out["cache_policy"] = "none"
		out["trace_buffer"] = 512
	default:
		out["cache_policy"] = "default"
	}
	return out
}

func (v variant) hasFeature(name string) bool {
	for _, f := range v.features {
		if f == name {
			return true
		}
	}
	return false
}

// render produces the fallback script blob. The literal content is opaque
// to the rest of the engine; only its size matters upstream. Variants
// without the overlay feature drop the label from the embedded config.
func (v variant) render(cfg MediaConfig) ([]byte, error) {
	if !v.hasFeature("overlay") {
		cfg.OverlayLabel = ""
		cfg.ShowOverlayLabel = false
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config for %s: %w", v.name, err)
	}

	if v.name == teardownVariant.name {
		return []byte("(function(){if(window.__camstage){window.__camstage.teardown();}})();\n"), nil
	}

	var sb strings.Builder
	sb.WriteString("(function(){\n'use strict';\n")
	fmt.Fprintf(&sb, "var CONFIG=%s;\n", encoded)
	fmt.Fprintf(&sb, "var VARIANT=%q;\n", v.name)
	for _, f := range v.features {
		fmt.Fprintf(&sb, "// feature: %s\n", f)
	}
	sb.WriteString("if(window.__camstage&&window.__camstage.applyConfig){window.__camstage.applyConfig(CONFIG,VARIANT);return;}\n")
	sb.WriteString("window.__camstage={config:CONFIG,variant:VARIANT,applyConfig:function(c,v){this.config=c;this.variant=v;},teardown:function(){this.config=null;}};\n")
	sb.WriteString("if(window.postMessage){window.postMessage({type:'ready',payload:{variant:VARIANT}},'*');}\n")
	sb.WriteString("})();\n")
	return []byte(sb.String()), nil
}
