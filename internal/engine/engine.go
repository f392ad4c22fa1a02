// Package engine is the orchestration core: it owns the resolved injection
// decision and reacts to state changes (protocol switches, navigation,
// device reassignment, settings edits) by re-resolving policy and driving
// a debounced injection into the embedded context. It also routes inbound
// envelopes to the permission queue and the signaling manager.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/camstage/camstage/engine/internal/bus"
	"github.com/camstage/camstage/engine/internal/device"
	"github.com/camstage/camstage/engine/internal/infrastructure/config"
	"github.com/camstage/camstage/engine/internal/infrastructure/monitoring"
	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/permission"
	"github.com/camstage/camstage/engine/internal/policy"
	"github.com/camstage/camstage/engine/internal/scheduler"
	"github.com/camstage/camstage/engine/internal/script"
	"github.com/camstage/camstage/engine/internal/shared/clock"
	"github.com/camstage/camstage/engine/internal/shared/id"
	"github.com/camstage/camstage/engine/internal/signaling"
)

// consoleBufferLen bounds the forwarded console ring exposed to the host UI.
const consoleBufferLen = 100

// ConsoleEntry is one forwarded console line from the embedded context.
type ConsoleEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// RuntimeError is the page-side error surface forwarded to the host.
type RuntimeError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Engine ties the resolver, builder, scheduler, queue, and signaling
// manager together over one bus.
type Engine struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	bus     *bus.Bus
	builder *script.Builder
	sched   *scheduler.Scheduler
	queue   *permission.Queue
	signals *signaling.Manager
	guard   *device.AssignmentGuard

	mu          sync.RWMutex
	proto       policy.ProtocolState
	site        policy.SiteState
	devices     []device.Descriptor
	defaultURI  string
	defaultName string
	decision    policy.Decision
	liveUpdate  bool
	console     []ConsoleEntry
	lastError   *RuntimeError
	closed      bool
}

// New assembles an engine over the given transport. The peer factory
// backs loopback signaling; a nil clock selects the system clock and a
// nil metrics set disables observation.
func New(cfg *config.Config, transport bus.Transport, peers signaling.PeerFactory, clk clock.Clock, metrics *monitoring.Metrics, logger *logging.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if clk == nil {
		clk = clock.System()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		guard:   device.NewAssignmentGuard(),
		proto:   policy.ProtocolState{Active: policy.ProtocolOff},
	}

	e.bus = bus.New(transport, logger.Named("bus"))
	e.builder = script.NewBuilder(cfg.Engine.ScriptCeilingBytes, logger.Named("script"))
	e.sched = scheduler.New(cfg.Engine.MinInjectInterval, clk, e.guard, e.performInjection, logger.Named("scheduler"))
	e.queue = permission.NewQueue(cfg.Engine.PermissionQueueDepth, e.bus, logger.Named("permission"))
	e.signals = signaling.NewManager(e.bus, peers, clk, cfg.Signaling.Timeout, cfg.Signaling.MaxSessions, logger.Named("signaling"))

	if metrics != nil {
		e.bus.WithObserver(metrics.RecordEnvelope, metrics.RecordDropped)
		e.builder.WithSubstitutionObserver(metrics.RecordSubstitution)
		e.queue.WithObservers(nil, metrics.SetQueueDepth)
		e.signals.WithObservers(nil, metrics.SetActiveSessions)
	}

	e.registerHandlers()
	return e
}

// Bus exposes the envelope bus, primarily so the transport can feed
// inbound messages through Dispatch.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// registerHandlers wires every inbound envelope type to its consumer.
func (e *Engine) registerHandlers() {
	e.bus.Handle(bus.TypeReady, e.onReady)
	e.bus.Handle(bus.TypeCapabilities, e.onCapabilities)
	e.bus.Handle(bus.TypeConsole, e.onConsole)
	e.bus.Handle(bus.TypeRuntimeError, e.onRuntimeError)
	e.bus.Handle(bus.TypePermissionRequest, e.onPermissionRequest)
	e.bus.Handle(bus.TypeSignalOffer, e.onSignalOffer)
	e.bus.Handle(bus.TypeSignalICE, e.onSignalCandidate)
	e.bus.Handle(bus.TypeSignalCancel, e.onSignalCancel)
}

// SetProtocol installs a new protocol state and triggers re-injection.
func (e *Engine) SetProtocol(proto policy.ProtocolState) {
	e.mu.Lock()
	e.proto = proto
	e.mu.Unlock()
	e.sched.RequestInjection()
}

// SetSite installs the per-site snapshot for the currently loaded page.
// Called on navigation and on per-site settings edits.
func (e *Engine) SetSite(site policy.SiteState) {
	e.mu.Lock()
	e.site = site
	e.liveUpdate = false // fresh page, capability must be re-reported
	e.mu.Unlock()
	e.sched.RequestInjection()
}

// AssignDevices replaces the device set. The assignment guard is held for
// the duration of the write so concurrent injection requests are dropped;
// the release itself triggers a fresh request.
func (e *Engine) AssignDevices(devices []device.Descriptor, defaultURI, defaultName string) bool {
	if !e.guard.Acquire() {
		e.logger.Warn("Device assignment rejected, another assignment in progress")
		return false
	}

	e.mu.Lock()
	e.devices = append([]device.Descriptor(nil), devices...)
	e.defaultURI = defaultURI
	e.defaultName = defaultName
	e.mu.Unlock()

	e.guard.Release()
	e.sched.RequestInjection()
	return true
}

// RequestInjection exposes the debounced trigger for callers that changed
// state outside the engine (external store edits).
func (e *Engine) RequestInjection() {
	e.sched.RequestInjection()
}

// performInjection is the scheduler's fire callback: resolve, build,
// deliver. It reflects the state current at fire time.
func (e *Engine) performInjection() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	snap := device.Normalize(e.devices, e.defaultURI, e.defaultName)
	devState := policy.DeviceState{
		SimulationEnabled: snap.AnySimulationEnabled(),
		HasAssignedVideo:  snap.HasAssignedVideo(e.defaultURI),
	}
	decision := policy.Resolve(e.proto, e.site, devState)
	e.decision = decision
	live := e.liveUpdate
	e.mu.Unlock()

	payload, err := e.builder.Build(decision, snap)
	if err != nil {
		e.logger.Error("Failed to build injection payload", zap.Error(err))
		return
	}

	if live {
		if err := e.deliverLive(payload); err == nil {
			e.recordInjection(payload.Variant, "live")
			return
		}
		e.logger.Warn("Live config delivery failed, falling back to script evaluation")
	}

	if err := e.deliverScript(payload); err != nil {
		e.logger.Error("Script delivery failed", zap.Error(err))
		return
	}
	e.recordInjection(payload.Variant, "script")
}

func (e *Engine) deliverLive(payload script.Payload) error {
	raw, err := script.EncodeConfig(payload.LiveConfig)
	if err != nil {
		return err
	}
	return e.bus.Send(bus.Envelope{Type: bus.TypeConfigUpdate, Payload: raw})
}

func (e *Engine) deliverScript(payload script.Payload) error {
	env, err := bus.NewEnvelope(bus.TypeScriptEval, map[string]string{"script": string(payload.FallbackScript)})
	if err != nil {
		return err
	}
	return e.bus.Send(env)
}

func (e *Engine) recordInjection(variant, path string) {
	e.logger.Debug("Injection delivered",
		zap.String("variant", variant),
		zap.String("path", path),
	)
	if e.metrics != nil {
		e.metrics.RecordInjection()
	}
}

// onReady logs the context acknowledging an applied config.
func (e *Engine) onReady(env bus.Envelope) {
	var ack struct {
		Variant  string `json:"variant"`
		Protocol string `json:"protocol"`
	}
	if err := env.DecodePayload(&ack); err != nil {
		e.logger.Debug("Ready without payload")
		return
	}
	e.logger.Debug("Context ready",
		zap.String("variant", ack.Variant),
		zap.String("protocol", ack.Protocol),
	)
}

// onCapabilities records whether the context supports live config updates.
func (e *Engine) onCapabilities(env bus.Envelope) {
	var caps struct {
		LiveUpdate bool `json:"live_update"`
	}
	if err := env.DecodePayload(&caps); err != nil {
		e.logger.Warn("Malformed capabilities report", zap.Error(err))
		return
	}
	e.mu.Lock()
	e.liveUpdate = caps.LiveUpdate
	e.mu.Unlock()
	e.logger.Info("Context capabilities reported", zap.Bool("live_update", caps.LiveUpdate))
}

// onConsole forwards page console output into the host log and the ring
// buffer the host UI reads.
func (e *Engine) onConsole(env bus.Envelope) {
	var entry ConsoleEntry
	if err := env.DecodePayload(&entry); err != nil {
		e.logger.Warn("Malformed console entry", zap.Error(err))
		return
	}

	switch entry.Level {
	case "error":
		e.logger.Error("Page console", zap.String("message", entry.Message))
	case "warn":
		e.logger.Warn("Page console", zap.String("message", entry.Message))
	default:
		e.logger.Debug("Page console", zap.String("message", entry.Message))
	}

	e.mu.Lock()
	e.console = append(e.console, entry)
	if len(e.console) > consoleBufferLen {
		e.console = e.console[len(e.console)-consoleBufferLen:]
	}
	e.mu.Unlock()
}

// onRuntimeError surfaces page-side failures to the host.
func (e *Engine) onRuntimeError(env bus.Envelope) {
	var rtErr RuntimeError
	if err := env.DecodePayload(&rtErr); err != nil {
		e.logger.Warn("Malformed runtime error report", zap.Error(err))
		return
	}
	e.logger.Error("Page runtime error",
		zap.String("message", rtErr.Message),
		zap.String("source", rtErr.Source),
	)
	e.mu.Lock()
	e.lastError = &rtErr
	e.mu.Unlock()
}

// onPermissionRequest admits the request to the FIFO queue. The envelope's
// request id wins over any id embedded in the payload.
func (e *Engine) onPermissionRequest(env bus.Envelope) {
	var req permission.Request
	if err := env.DecodePayload(&req); err != nil {
		e.logger.Warn("Malformed permission request", zap.Error(err))
		return
	}
	if env.RequestID != "" {
		req.RequestID = env.RequestID
	}
	if req.RequestID == "" {
		e.logger.Warn("Permission request without request id dropped")
		return
	}
	e.queue.Enqueue(req)
}

// ResolvePermission answers the pending permission request. The decision
// envelope carries the protocol active at resolution time.
func (e *Engine) ResolvePermission(requestID string, decision permission.Decision) {
	e.mu.RLock()
	proto := e.decision.Protocol.String()
	e.mu.RUnlock()
	e.queue.Resolve(requestID, permission.DecisionPayload{
		Decision: decision,
		Protocol: proto,
	})
}

func (e *Engine) onSignalOffer(env bus.Envelope) {
	if env.RequestID == "" {
		e.logger.Warn("Signal offer without request id dropped")
		return
	}
	var offer webrtc.SessionDescription
	if err := env.DecodePayload(&offer); err != nil {
		e.logger.Warn("Malformed signal offer", zap.Error(err))
		return
	}
	e.signals.HandleOffer(env.RequestID, offer)
}

func (e *Engine) onSignalCandidate(env bus.Envelope) {
	if env.RequestID == "" {
		return
	}
	var candidate webrtc.ICECandidateInit
	if err := env.DecodePayload(&candidate); err != nil {
		e.logger.Warn("Malformed ICE candidate", zap.Error(err))
		return
	}
	e.signals.HandleCandidate(env.RequestID, candidate)
}

func (e *Engine) onSignalCancel(env bus.Envelope) {
	if env.RequestID == "" {
		return
	}
	e.signals.HandleCancel(env.RequestID)
}

// CurrentDecision returns the last resolved injection decision.
func (e *Engine) CurrentDecision() policy.Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.decision
}

// PendingPermission exposes the request awaiting a decision, if any.
func (e *Engine) PendingPermission() (permission.Request, bool) {
	return e.queue.CurrentPending()
}

// SignalingSessions lists active loopback sessions, oldest first.
func (e *Engine) SignalingSessions() []signaling.Status {
	return e.signals.ActiveSessions()
}

// RecentConsole returns the forwarded console ring, oldest first.
func (e *Engine) RecentConsole() []ConsoleEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]ConsoleEntry(nil), e.console...)
}

// LastRuntimeError returns the most recent page runtime error, if any.
func (e *Engine) LastRuntimeError() (RuntimeError, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastError == nil {
		return RuntimeError{}, false
	}
	return *e.lastError, true
}

// LiveUpdateCapable reports whether the context accepts live config
// updates.
func (e *Engine) LiveUpdateCapable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.liveUpdate
}

// capabilityProbe is the script evaluated by ProbeCapabilities. It reports
// back over the correlated request id baked into the script.
const capabilityProbe = `postMessage({type:"capabilities",request_id:%q,payload:{live_update:typeof __camstage!=="undefined"&&typeof __camstage.applyConfig===%q}});`

// ProbeCapabilities actively asks the context whether the live update hook
// is installed, instead of waiting for the bootstrap to report. Blocks
// until the context answers or the configured request timeout elapses. The
// result also updates the engine's delivery path.
func (e *Engine) ProbeCapabilities(ctx context.Context) (bool, error) {
	reqID := id.NewRequestID().String()
	script := fmt.Sprintf(capabilityProbe, reqID, "function")
	env, err := bus.NewEnvelope(bus.TypeScriptEval, map[string]string{"script": script})
	if err != nil {
		return false, err
	}
	env.RequestID = reqID

	resp, err := e.bus.Request(ctx, env, e.cfg.Engine.RequestTimeout)
	if err != nil {
		return false, err
	}

	var caps struct {
		LiveUpdate bool `json:"live_update"`
	}
	if err := resp.DecodePayload(&caps); err != nil {
		return false, err
	}

	e.mu.Lock()
	e.liveUpdate = caps.LiveUpdate
	e.mu.Unlock()
	return caps.LiveUpdate, nil
}

// Snapshot is the host UI view of the engine's current state.
type Snapshot struct {
	Decision   policy.Decision     `json:"decision"`
	Protocol   string              `json:"protocol"`
	LiveUpdate bool                `json:"live_update"`
	Pending    *permission.Request `json:"pending_permission,omitempty"`
	QueuedLen  int                 `json:"queued_permissions"`
	Sessions   []signaling.Status  `json:"signaling_sessions"`
	LastError  *RuntimeError       `json:"last_runtime_error,omitempty"`
}

// State assembles the host UI snapshot.
func (e *Engine) State() Snapshot {
	e.mu.RLock()
	snap := Snapshot{
		Decision:   e.decision,
		Protocol:   e.decision.Protocol.String(),
		LiveUpdate: e.liveUpdate,
		LastError:  e.lastError,
	}
	e.mu.RUnlock()

	if pending, ok := e.queue.CurrentPending(); ok {
		snap.Pending = &pending
	}
	snap.QueuedLen = e.queue.QueuedLen()
	snap.Sessions = e.signals.ActiveSessions()
	return snap
}

// MarshalState renders the snapshot as JSON for transports that want raw
// bytes.
func (e *Engine) MarshalState() ([]byte, error) {
	return json.Marshal(e.State())
}

// Close tears the engine down: the scheduler stops firing, signaling
// sessions close, and the bus rejects further sends.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.sched.Close()
	e.signals.Close()
	e.bus.Close()
}
