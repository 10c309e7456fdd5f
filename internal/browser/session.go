package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/config"
)

// ErrSessionClosed is returned by Execute after Close.
var ErrSessionClosed = errors.New("browser session is closed")

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultActionTimeout     = 10 * time.Second
	defaultSettleTime        = 500 * time.Millisecond
	maxStabilizeTime         = 30 * time.Second
	captureTimeout           = 10 * time.Second
	presenceProbeTimeout     = time.Second
	defaultScrollPixels      = 600
	screenshotQuality        = 90
)

// Session is one isolated browser context (its own tab, cookies and storage)
// driven step by step on behalf of a single run.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	harvester *Harvester
	onClose   func()

	mu          sync.Mutex
	isClosed    bool
	screenshots int
}

func newSession(tabCtx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger, onClose func()) *Session {
	id := uuid.NewString()
	sessionLogger := logger.With(zap.String("session_id", id))
	return &Session{
		id:        id,
		ctx:       tabCtx,
		cancel:    cancel,
		logger:    sessionLogger,
		cfg:       cfg,
		harvester: NewHarvester(tabCtx, sessionLogger),
		onClose:   onClose,
	}
}

// initialize opens the tab and starts listening to its events.
func (s *Session) initialize(ctx context.Context) error {
	// The first Run creates the target; it must use the tab context itself.
	if err := chromedp.Run(s.ctx); err != nil {
		return fmt.Errorf("failed to initialize browser context/target connection: %w", err)
	}
	initCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := s.harvester.Start(initCtx); err != nil {
		return fmt.Errorf("failed to start harvester: %w", err)
	}
	return nil
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Execute performs one step and reports the page afterwards. Problems with the
// step itself (missing element, action timeout, page load error) land in the
// outcome's Error; a closed tab or cancelled ctx is returned as an error.
func (s *Session) Execute(ctx context.Context, step schemas.ActionStep) (schemas.ExecutionOutcome, error) {
	if s.closed() {
		return schemas.ExecutionOutcome{}, ErrSessionClosed
	}
	opCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	var out schemas.ExecutionOutcome
	stepErr := s.perform(opCtx, step, &out)
	if err := s.interrupted(ctx); err != nil {
		return out, err
	}
	if stepErr != nil {
		out.Error = stepErr.Error()
		s.logger.Debug("Step reported an error", zap.String("step", step.String()), zap.String("error", out.Error))
	}

	html, err := s.capture(opCtx, &out)
	if err := s.interrupted(ctx); err != nil {
		return out, err
	}
	if err != nil {
		s.logger.Warn("Could not capture page state after step.", zap.String("step", step.String()), zap.Error(err))
	}

	out.Signals.Network, out.Signals.Console = s.harvester.Collect()
	if html != "" {
		out.Signals.Accessibility = AccessibilityIssues(html)
	}
	return out, nil
}

// interrupted maps a dead tab or an ended caller context to an error.
func (s *Session) interrupted(ctx context.Context) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("browser session ended: %w", err)
	}
	return ctx.Err()
}

func (s *Session) perform(ctx context.Context, step schemas.ActionStep, out *schemas.ExecutionOutcome) error {
	switch step.Action {
	case schemas.ActionNavigate:
		return s.navigate(ctx, step)
	case schemas.ActionWait:
		return chromedp.Run(ctx, chromedp.Sleep(step.WaitDuration()))
	case schemas.ActionScreenshot:
		return s.screenshot(ctx, step)
	case schemas.ActionMeasurePerformance:
		return s.measurePerformance(ctx, out)
	case schemas.ActionScroll:
		return s.scroll(ctx, step, out)
	case schemas.ActionPressKey:
		return s.pressKey(ctx, step, out)
	case schemas.ActionClick, schemas.ActionTypeText, schemas.ActionHover, schemas.ActionSelect:
		loc, err := locate(step)
		if err != nil {
			return err
		}
		out.SelectorUsed = loc.sel
		return s.interact(ctx, step, loc)
	}
	return fmt.Errorf("unsupported action %q", step.Action)
}

// -- Navigation --

func (s *Session) navigate(ctx context.Context, step schemas.ActionStep) error {
	url := strings.TrimSpace(step.Value)
	if url == "" {
		url = strings.TrimSpace(step.Target)
	}
	if url == "" {
		return errors.New("navigate step has no URL")
	}
	s.logger.Debug("Navigating to URL", zap.String("url", url))

	navTimeout := orDefault(s.cfg.NavigationTimeout, defaultNavigationTimeout)
	navCtx, navCancel := context.WithTimeout(ctx, navTimeout)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", ctx.Err())
		}
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("navigation timed out after %s", navTimeout)
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	return s.stabilize(ctx, orDefault(s.cfg.SettleTime, defaultSettleTime))
}

// stabilize waits for the page state to settle (DOM ready and network idle).
func (s *Session) stabilize(ctx context.Context, quietPeriod time.Duration) error {
	stabCtx, cancel := context.WithTimeout(ctx, maxStabilizeTime)
	defer cancel()

	if err := chromedp.Run(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("WaitReady failed during stabilization.", zap.Error(err))
	}
	if err := s.harvester.WaitNetworkIdle(stabCtx, quietPeriod); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Network idle wait failed during stabilization.", zap.Error(err))
	}
	return nil
}

// -- Element interaction --

// locator is a resolved element query.
type locator struct {
	sel string
	by  chromedp.QueryOption
}

// locate prefers the step's selector and falls back to searching the page
// for the target's visible text or accessible name.
func locate(step schemas.ActionStep) (locator, error) {
	if sel := strings.TrimSpace(step.Selector); sel != "" {
		if strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "(") {
			return locator{sel: sel, by: chromedp.BySearch}, nil
		}
		return locator{sel: sel, by: chromedp.ByQuery}, nil
	}
	target := strings.TrimSpace(step.Target)
	if target == "" {
		return locator{}, fmt.Errorf("%s step has neither selector nor target", step.Action)
	}
	return locator{sel: textXPath(target), by: chromedp.BySearch}, nil
}

// textXPath matches interactive elements by text, accessible name, placeholder
// or id, and form fields by the text of their label.
func textXPath(text string) string {
	lit := xpathLiteral(text)
	interactive := "self::a or self::button or self::input or self::textarea or self::select or self::option or @role or @onclick"
	named := fmt.Sprintf("contains(normalize-space(.), %[1]s) or contains(@aria-label, %[1]s) or contains(@placeholder, %[1]s) "+
		"or contains(@title, %[1]s) or @value=%[1]s or @name=%[1]s or @id=%[1]s", lit)
	return fmt.Sprintf("(//*[(%s) and (%s)] | //label[contains(normalize-space(.), %s)]//*[self::input or self::textarea or self::select])[1]",
		interactive, named, lit)
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

func (s *Session) interact(ctx context.Context, step schemas.ActionStep, loc locator) error {
	actionTimeout := orDefault(s.cfg.ActionTimeout, defaultActionTimeout)
	actCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	var tasks chromedp.Tasks
	switch step.Action {
	case schemas.ActionClick:
		tasks = chromedp.Tasks{
			chromedp.ScrollIntoView(loc.sel, loc.by),
			chromedp.WaitVisible(loc.sel, loc.by),
			chromedp.Click(loc.sel, loc.by),
		}
	case schemas.ActionTypeText:
		tasks = chromedp.Tasks{
			chromedp.ScrollIntoView(loc.sel, loc.by),
			chromedp.WaitVisible(loc.sel, loc.by),
			chromedp.Clear(loc.sel, loc.by),
			chromedp.SendKeys(loc.sel, step.Value, loc.by),
		}
	case schemas.ActionHover:
		tasks = chromedp.Tasks{
			chromedp.ScrollIntoView(loc.sel, loc.by),
			callOnNode(loc, hoverScript, chromedp.NodeVisible),
		}
	case schemas.ActionSelect:
		value, err := json.MarshalToString(step.Value)
		if err != nil {
			return fmt.Errorf("invalid select value: %w", err)
		}
		tasks = chromedp.Tasks{
			chromedp.WaitVisible(loc.sel, loc.by),
			callOnNode(loc, fmt.Sprintf(selectScript, value), chromedp.NodeReady),
		}
	}

	s.logger.Debug("Interacting with element", zap.String("action", step.Action.String()), zap.String("selector", loc.sel))
	if err := chromedp.Run(actCtx, tasks); err != nil {
		return s.classify(ctx, actCtx, loc, actionTimeout, err)
	}
	if step.Action == schemas.ActionHover {
		return nil
	}
	return s.stabilize(ctx, orDefault(s.cfg.SettleTime, defaultSettleTime))
}

// classify turns an action timeout into "element not found" when nothing
// matches the locator, so the page can be repaired instead of waited on.
func (s *Session) classify(ctx, actCtx context.Context, loc locator, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !errors.Is(actCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, presenceProbeTimeout)
	defer cancel()
	var nodes []*cdp.Node
	if probeErr := chromedp.Run(probeCtx, chromedp.Nodes(loc.sel, &nodes, loc.by, chromedp.AtLeast(0))); probeErr == nil && len(nodes) == 0 {
		return fmt.Errorf("element not found: %s", loc.sel)
	}
	return fmt.Errorf("timeout waiting for %s after %s", loc.sel, timeout)
}

const hoverScript = `function() {
	for (const type of ['pointerover', 'mouseover', 'pointerenter', 'mouseenter', 'mousemove']) {
		this.dispatchEvent(new MouseEvent(type, {bubbles: type.endsWith('over') || type === 'mousemove'}));
	}
	return true;
}`

// selectScript picks an option by value or visible text.
const selectScript = `function() {
	const want = %s;
	const opts = Array.from(this.options || []);
	const match = opts.find(o => o.value === want) || opts.find(o => o.text.trim() === want);
	if (!match) { throw new Error('option not found: ' + want); }
	this.value = match.value;
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`

// callOnNode runs a function declaration with the first matched node as this.
func callOnNode(loc locator, decl string, opts ...chromedp.QueryOption) chromedp.Action {
	opts = append([]chromedp.QueryOption{loc.by}, opts...)
	return chromedp.QueryAfter(loc.sel, func(ctx context.Context, _ runtime.ExecutionContextID, nodes ...*cdp.Node) error {
		if len(nodes) == 0 {
			return fmt.Errorf("element not found: %s", loc.sel)
		}
		obj, err := dom.ResolveNode().WithNodeID(nodes[0].NodeID).Do(ctx)
		if err != nil {
			return err
		}
		_, exc, err := runtime.CallFunctionOn(decl).WithObjectID(obj.ObjectID).WithReturnByValue(true).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return errors.New(exceptionText(exc))
		}
		return nil
	}, opts...)
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return strings.SplitN(exc.Exception.Description, "\n", 2)[0]
	}
	return exc.Text
}

// -- Page-level actions --

func (s *Session) scroll(ctx context.Context, step schemas.ActionStep, out *schemas.ExecutionOutcome) error {
	if step.HasSelector() {
		loc, err := locate(step)
		if err != nil {
			return err
		}
		out.SelectorUsed = loc.sel
		actCtx, cancel := context.WithTimeout(ctx, orDefault(s.cfg.ActionTimeout, defaultActionTimeout))
		defer cancel()
		if err := chromedp.Run(actCtx, chromedp.ScrollIntoView(loc.sel, loc.by)); err != nil {
			return s.classify(ctx, actCtx, loc, orDefault(s.cfg.ActionTimeout, defaultActionTimeout), err)
		}
		return nil
	}
	var ok bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(scrollExpression(step), &ok)); err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	return s.stabilize(ctx, orDefault(s.cfg.SettleTime, defaultSettleTime))
}

// scrollExpression maps the direction and pixels params to a window scroll.
func scrollExpression(step schemas.ActionStep) string {
	pixels := defaultScrollPixels
	if n, err := strconv.Atoi(step.Param(schemas.ParamPixels)); err == nil && n > 0 {
		pixels = n
	}
	switch strings.ToLower(step.Param(schemas.ParamDirection)) {
	case "up":
		return fmt.Sprintf("(window.scrollBy(0, -%d), true)", pixels)
	case "top":
		return "(window.scrollTo(0, 0), true)"
	case "bottom":
		return "(window.scrollTo(0, document.body.scrollHeight), true)"
	case "left":
		return fmt.Sprintf("(window.scrollBy(-%d, 0), true)", pixels)
	case "right":
		return fmt.Sprintf("(window.scrollBy(%d, 0), true)", pixels)
	}
	return fmt.Sprintf("(window.scrollBy(0, %d), true)", pixels)
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"space":      " ",
}

// keySequence resolves a key name ("Enter", "ArrowDown") or literal text.
func keySequence(step schemas.ActionStep) string {
	key := step.Param(schemas.ParamKey)
	if key == "" {
		key = step.Value
	}
	if seq, ok := namedKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return seq
	}
	return key
}

func (s *Session) pressKey(ctx context.Context, step schemas.ActionStep, out *schemas.ExecutionOutcome) error {
	keys := keySequence(step)
	if keys == "" {
		return errors.New("press_key step has no key")
	}
	actionTimeout := orDefault(s.cfg.ActionTimeout, defaultActionTimeout)
	actCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	var action chromedp.Action = chromedp.KeyEvent(keys)
	var loc locator
	if step.HasSelector() {
		var err error
		if loc, err = locate(step); err != nil {
			return err
		}
		out.SelectorUsed = loc.sel
		action = chromedp.SendKeys(loc.sel, keys, loc.by)
	}
	if err := chromedp.Run(actCtx, action); err != nil {
		if loc.sel != "" {
			return s.classify(ctx, actCtx, loc, actionTimeout, err)
		}
		return fmt.Errorf("key press failed: %w", err)
	}
	return s.stabilize(ctx, orDefault(s.cfg.SettleTime, defaultSettleTime))
}

func (s *Session) screenshot(ctx context.Context, step schemas.ActionStep) error {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, screenshotQuality)); err != nil {
		return fmt.Errorf("screenshot failed: %w", err)
	}
	if s.cfg.ScreenshotDir == "" {
		return nil
	}
	s.mu.Lock()
	s.screenshots++
	n := s.screenshots
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.ScreenshotDir, 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	path := filepath.Join(s.cfg.ScreenshotDir, fmt.Sprintf("%s-%03d.jpg", s.id, n))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	s.logger.Info("Screenshot saved", zap.String("path", path), zap.String("target", step.Target))
	return nil
}

func (s *Session) measurePerformance(ctx context.Context, out *schemas.ExecutionOutcome) error {
	var metrics []*performance.Metric
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		metrics, err = performance.GetMetrics().Do(c)
		return err
	}))
	if err != nil {
		return fmt.Errorf("performance metrics unavailable: %w", err)
	}
	out.Signals.Performance = make(map[string]float64, len(metrics))
	for _, m := range metrics {
		out.Signals.Performance[m.Name] = m.Value
	}
	return nil
}

// -- Page capture --

// capture fills out.After and returns the raw HTML it was rendered from.
func (s *Session) capture(ctx context.Context, out *schemas.ExecutionOutcome) (string, error) {
	captureCtx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	var url, title, html string
	err := chromedp.Run(captureCtx,
		chromedp.Location(&url),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}
	out.After = &schemas.DomSnapshot{
		Content:    AccessibilityText(html),
		URL:        url,
		Title:      title,
		CapturedAt: time.Now(),
	}
	return html, nil
}

// -- Lifecycle --

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// Close terminates the browser session; later calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")
	s.harvester.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
