// Package webview hosts the embedded script context: an isolated goja
// runtime standing in for the page side of the browser surface. It is the
// only crossing point between the host and the page; everything flows
// through envelopes. Outbound envelopes are evaluated into the VM,
// inbound messages surface through the message sink.
package webview

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/camstage/camstage/engine/internal/bus"
	"github.com/camstage/camstage/engine/internal/logging"
)

// ErrNoLiveUpdateHook signals that the context has no bootstrap-installed
// update function, so live config delivery is impossible and the caller
// must fall back to a full script evaluation.
var ErrNoLiveUpdateHook = errors.New("webview: no live update hook installed")

// ErrClosed signals delivery into a closed context.
var ErrClosed = errors.New("webview: context closed")

// Context is one embedded script execution environment. It implements
// bus.Transport: Deliver evaluates host envelopes inside the VM.
type Context struct {
	logger *logging.Logger

	mu     sync.Mutex
	vm     *goja.Runtime
	closed bool

	// sink receives raw messages the page posts to the host. The engine
	// wires this to bus.Dispatch. Messages posted during a VM call are
	// staged in outbox and flushed after the VM lock is released, so a
	// sink handler sending back into the context cannot deadlock on mu.
	sinkMu sync.Mutex
	sink   func(raw []byte)
	outbox [][]byte
}

// New creates an empty context with host bindings installed. The page
// bootstrap is injected separately with InstallBootstrap so tests can
// exercise contexts without a live update hook.
func New(logger *logging.Logger) (*Context, error) {
	c := &Context{
		logger: logger,
		vm:     goja.New(),
	}
	if err := c.setupGlobals(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetMessageSink installs the inbound pump for page-to-host messages.
func (c *Context) SetMessageSink(fn func(raw []byte)) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sink = fn
}

// setupGlobals binds the host bridge and strips anything dangerous.
func (c *Context) setupGlobals() error {
	// No module system inside the page context.
	c.vm.Set("require", goja.Undefined())
	c.vm.Set("process", goja.Undefined())
	c.vm.Set("module", goja.Undefined())
	c.vm.Set("exports", goja.Undefined())

	// The global object doubles as window/self so page-flavored scripts
	// resolve their usual roots.
	c.vm.Set("window", c.vm.GlobalObject())
	c.vm.Set("self", c.vm.GlobalObject())

	// postMessage is the page's channel to the host.
	c.vm.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		c.emit(call.Arguments[0].Export())
		return goja.Undefined()
	})

	console := c.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		console.Set(level, c.makeConsoleFunc(level))
	}
	c.vm.Set("console", console)

	// Timers are deliberately inert; the host owns all scheduling.
	c.vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return goja.Undefined() })
	c.vm.Set("setInterval", func(call goja.FunctionCall) goja.Value { return goja.Undefined() })

	return nil
}

// makeConsoleFunc forwards console output as console envelopes.
func (c *Context) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		for i, arg := range call.Arguments {
			if i > 0 {
				msg += " "
			}
			msg += arg.String()
		}
		c.emit(map[string]interface{}{
			"type":    bus.TypeConsole,
			"payload": map[string]string{"level": level, "message": msg},
		})
		return goja.Undefined()
	}
}

// emit marshals a page message into the outbox. Only called from inside
// VM evaluations, which hold mu.
func (c *Context) emit(value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("Dropping unserializable page message", zap.Error(err))
		return
	}
	c.sinkMu.Lock()
	c.outbox = append(c.outbox, raw)
	c.sinkMu.Unlock()
}

// flush drains the outbox into the sink in posting order. Runs with mu
// released; a sink handler may re-enter Deliver, whose own flush picks up
// anything posted meanwhile.
func (c *Context) flush() {
	for {
		c.sinkMu.Lock()
		sink := c.sink
		if sink == nil || len(c.outbox) == 0 {
			c.sinkMu.Unlock()
			return
		}
		raw := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.sinkMu.Unlock()
		sink(raw)
	}
}

// InstallBootstrap evaluates the before-content-loaded bundle. The bundle
// installs the __camstage namespace, including the live update hook.
func (c *Context) InstallBootstrap(bundle []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	_, err := c.vm.RunString(string(bundle))
	c.mu.Unlock()
	c.flush()
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	return nil
}

// HasLiveUpdateHook reports whether a bootstrap-installed update function
// exists, which selects live config delivery over fallback scripts.
func (c *Context) HasLiveUpdateHook() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	val, err := c.vm.RunString(`typeof __camstage !== "undefined" && typeof __camstage.applyConfig === "function"`)
	if err != nil {
		return false
	}
	return val.ToBoolean()
}

// Deliver implements bus.Transport. Config updates call the installed
// hook, script evaluations run the opaque blob, and everything else is
// handed to the page's host-message listener.
func (c *Context) Deliver(env bus.Envelope) error {
	c.mu.Lock()
	err := c.deliverLocked(env)
	c.mu.Unlock()
	c.flush()
	return err
}

func (c *Context) deliverLocked(env bus.Envelope) error {
	if c.closed {
		return ErrClosed
	}

	switch env.Type {
	case bus.TypeConfigUpdate:
		return c.callHook(`__camstage.applyConfig(JSON.parse(__camstageIncoming), "live")`, env.Payload, true)
	case bus.TypeScriptEval:
		var p struct {
			Script string `json:"script"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("malformed script payload: %w", err)
		}
		if _, err := c.vm.RunString(p.Script); err != nil {
			return fmt.Errorf("script evaluation failed: %w", err)
		}
		return nil
	default:
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		return c.callHook(`if (typeof __camstage !== "undefined" && typeof __camstage.onHostMessage === "function") { __camstage.onHostMessage(JSON.parse(__camstageIncoming)); }`, raw, false)
	}
}

// callHook stages the payload in a global and runs the snippet. When
// requireHook is set, a missing __camstage.applyConfig reports
// ErrNoLiveUpdateHook so the caller can fall back.
func (c *Context) callHook(snippet string, payload json.RawMessage, requireHook bool) error {
	if requireHook {
		val, err := c.vm.RunString(`typeof __camstage !== "undefined" && typeof __camstage.applyConfig === "function"`)
		if err != nil || !val.ToBoolean() {
			return ErrNoLiveUpdateHook
		}
	}
	c.vm.Set("__camstageIncoming", string(payload))
	if _, err := c.vm.RunString(snippet); err != nil {
		return fmt.Errorf("host message delivery failed: %w", err)
	}
	return nil
}

// Close tears down the VM. Further deliveries fail with ErrClosed.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.vm = nil
}

// DefaultBootstrap is the before-content-loaded bundle: it installs the
// __camstage namespace with the live update hook and reports the
// context's capabilities to the host.
func DefaultBootstrap() []byte {
	return []byte(`(function () {
  __camstage = {
    config: null,
    variant: null,
    applyConfig: function (cfg, variant) {
      this.config = cfg;
      this.variant = variant || "live";
      postMessage({ type: "ready", payload: { variant: this.variant, protocol: cfg ? cfg.protocol : null } });
    },
    teardown: function () {
      this.config = null;
      this.variant = null;
    },
    onHostMessage: function (env) {}
  };
  postMessage({ type: "capabilities", payload: { live_update: true } });
})();`)
}
