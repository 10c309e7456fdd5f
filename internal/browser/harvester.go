// internal/browser/harvester.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/api/schemas"
)

// maxSignals bounds what is buffered between two Collect calls per kind.
const maxSignals = 200

// requestState keeps what a failure report needs about one request.
type requestState struct {
	url          string
	method       string
	resourceType string
}

// Harvester listens to browser events for one tab and buffers the ones a test
// report cares about: failed requests and console errors. It also tracks
// in-flight requests for WaitNetworkIdle.
type Harvester struct {
	logger *zap.Logger

	// The context for the browser tab this harvester is attached to.
	sessionCtx     context.Context
	listenerCtx    context.Context
	cancelListener context.CancelFunc

	lock     sync.RWMutex
	requests map[network.RequestID]*requestState
	inflight map[network.RequestID]bool
	network  []schemas.NetworkSignal
	console  []schemas.ConsoleSignal
	dropped  int

	isStarted bool
}

// NewHarvester creates a harvester for the tab behind sessionCtx.
func NewHarvester(sessionCtx context.Context, logger *zap.Logger) *Harvester {
	return &Harvester{
		sessionCtx: sessionCtx,
		logger:     logger.Named("harvester"),
		requests:   make(map[network.RequestID]*requestState),
		inflight:   make(map[network.RequestID]bool),
	}
}

// Start subscribes to tab events and enables the CDP domains they come from.
func (h *Harvester) Start(ctx context.Context) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.isStarted {
		return nil
	}

	h.listenerCtx, h.cancelListener = context.WithCancel(h.sessionCtx)
	chromedp.ListenTarget(h.listenerCtx, h.dispatch)

	if err := chromedp.Run(ctx,
		network.Enable(),
		runtime.Enable(),
		log.Enable(),
		performance.Enable(),
	); err != nil {
		h.cancelListener()
		return fmt.Errorf("failed to enable CDP domains: %w", err)
	}

	h.isStarted = true
	h.logger.Debug("Harvester started and listening for events.")
	return nil
}

// Stop unsubscribes from tab events.
func (h *Harvester) Stop() {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.cancelListener != nil {
		h.cancelListener()
		h.cancelListener = nil
	}
	h.isStarted = false
}

func (h *Harvester) dispatch(ev interface{}) {
	switch e := ev.(type) {
	// -- Network Events --
	case *network.EventRequestWillBeSent:
		h.handleRequestWillBeSent(e)
	case *network.EventResponseReceived:
		h.handleResponseReceived(e)
	case *network.EventLoadingFinished:
		h.handleLoadingFinished(e)
	case *network.EventLoadingFailed:
		h.handleLoadingFailed(e)

	// -- Console and Runtime Events --
	case *runtime.EventConsoleAPICalled:
		h.handleConsoleAPICalled(e)
	case *log.EventEntryAdded:
		h.handleLogEntryAdded(e)
	case *runtime.EventExceptionThrown:
		h.handleExceptionThrown(e)
	}
}

// Collect returns the signals buffered since the previous call and resets the buffers.
func (h *Harvester) Collect() ([]schemas.NetworkSignal, []schemas.ConsoleSignal) {
	h.lock.Lock()
	defer h.lock.Unlock()
	netSignals, consoleSignals := h.network, h.console
	if h.dropped > 0 {
		h.logger.Debug("Signals dropped over buffer limit", zap.Int("dropped", h.dropped))
	}
	h.network, h.console, h.dropped = nil, nil, 0
	// Finished requests are forgotten; in-flight ones may still fail later.
	for id := range h.requests {
		if !h.inflight[id] {
			delete(h.requests, id)
		}
	}
	return netSignals, consoleSignals
}

// Inflight reports how many requests have not finished yet.
func (h *Harvester) Inflight() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.inflight)
}

// WaitNetworkIdle polls until there are no in-flight requests for quietPeriod.
func (h *Harvester) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	if quietPeriod <= 0 {
		return nil
	}
	ticker := time.NewTicker(quietPeriod / 2)
	defer ticker.Stop()

	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := h.Inflight(); n > 0 {
				lastActivity = time.Now()
				h.logger.Debug("Waiting for network idle...", zap.Int("inflight_requests", n))
			} else if time.Since(lastActivity) >= quietPeriod {
				return nil
			}
		}
	}
}

// -- Event Handlers --

func (h *Harvester) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()

	// A redirect reuses the id; the previous leg already has its response.
	if e.RedirectResponse != nil {
		if prev, ok := h.requests[e.RequestID]; ok {
			h.recordStatus(prev, e.RedirectResponse.Status, e.RedirectResponse.StatusText)
		}
	}
	h.inflight[e.RequestID] = true
	h.requests[e.RequestID] = &requestState{
		url:          e.Request.URL,
		method:       e.Request.Method,
		resourceType: string(e.Type),
	}
}

func (h *Harvester) handleResponseReceived(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	state, ok := h.requests[e.RequestID]
	if !ok {
		state = &requestState{url: e.Response.URL, resourceType: string(e.Type)}
	}
	h.recordStatus(state, e.Response.Status, e.Response.StatusText)
}

func (h *Harvester) handleLoadingFinished(e *network.EventLoadingFinished) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.inflight, e.RequestID)
}

func (h *Harvester) handleLoadingFailed(e *network.EventLoadingFailed) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.inflight, e.RequestID)

	// Aborted navigations and cancelled fetches are not application failures.
	if e.Canceled {
		return
	}
	state, ok := h.requests[e.RequestID]
	if !ok {
		state = &requestState{resourceType: string(e.Type)}
	}
	failure := e.ErrorText
	if e.BlockedReason != "" {
		failure = strings.TrimSpace(failure + " (blocked: " + string(e.BlockedReason) + ")")
	}
	h.appendNetwork(schemas.NetworkSignal{
		URL:          state.url,
		Method:       state.method,
		ResourceType: state.resourceType,
		Failure:      failure,
	})
}

// recordStatus must be called with the lock held.
func (h *Harvester) recordStatus(state *requestState, status int64, statusText string) {
	if status < 400 {
		return
	}
	h.appendNetwork(schemas.NetworkSignal{
		URL:          state.url,
		Method:       state.method,
		Status:       int(status),
		ResourceType: state.resourceType,
		Failure:      statusText,
	})
}

// -- Console and Log Handlers --

func (h *Harvester) handleConsoleAPICalled(e *runtime.EventConsoleAPICalled) {
	level := consoleLevel(string(e.Type))
	if level == "" {
		return
	}
	var text strings.Builder
	for i, arg := range e.Args {
		if i > 0 {
			text.WriteString(" ")
		}
		text.WriteString(remoteObjectText(arg))
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	h.appendConsole(schemas.ConsoleSignal{Level: level, Text: text.String(), Source: "console-api"})
}

func (h *Harvester) handleLogEntryAdded(e *log.EventEntryAdded) {
	if e.Entry == nil {
		return
	}
	level := consoleLevel(string(e.Entry.Level))
	if level == "" {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.appendConsole(schemas.ConsoleSignal{Level: level, Text: e.Entry.Text, Source: string(e.Entry.Source)})
}

func (h *Harvester) handleExceptionThrown(e *runtime.EventExceptionThrown) {
	if e.ExceptionDetails == nil {
		return
	}
	// The description carries the message and stack.
	text := e.ExceptionDetails.Text
	if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
		text = e.ExceptionDetails.Exception.Description
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.appendConsole(schemas.ConsoleSignal{Level: "error", Text: text, Source: "exception"})
}

func (h *Harvester) appendNetwork(s schemas.NetworkSignal) {
	if len(h.network) >= maxSignals {
		h.dropped++
		return
	}
	h.network = append(h.network, s)
}

func (h *Harvester) appendConsole(s schemas.ConsoleSignal) {
	if len(h.console) >= maxSignals {
		h.dropped++
		return
	}
	h.console = append(h.console, s)
}

// consoleLevel keeps errors and warnings; everything else is noise for a report.
func consoleLevel(kind string) string {
	switch kind {
	case "error", "assert":
		return "error"
	case "warning", "warn":
		return "warning"
	}
	return ""
}

func remoteObjectText(arg *runtime.RemoteObject) string {
	if arg == nil {
		return ""
	}
	if len(arg.Value) > 0 {
		var val interface{}
		if json.Unmarshal(arg.Value, &val) == nil {
			return fmt.Sprintf("%v", val)
		}
	}
	if arg.Description != "" {
		return arg.Description
	}
	return fmt.Sprintf("[%s]", arg.Type)
}
