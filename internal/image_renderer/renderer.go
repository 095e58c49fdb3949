package image_renderer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"shadesnap/internal/coordinate"
)

type Options struct {
	Width          int
	Height         int
	ChromePath     string
	ShadeThreshold float64
}

// Renderer drives a single headless Chrome tab showing the shade map page.
// The page is expected to expose window.setLocation, map and shadeMap.
// It is not safe for concurrent use; callers serialize access.
type Renderer struct {
	opts   Options
	frames *Frames
	logger *zap.Logger
	net    *networkTracker

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

func New(opts Options, frames *Frames, logger *zap.Logger) *Renderer {
	if opts.Width <= 0 {
		opts.Width = 1200
	}
	if opts.Height <= 0 {
		opts.Height = 630
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(opts.Width, opts.Height),
		chromedp.Flag("ignore-gpu-blocklist", true),
		chromedp.Flag("enable-webgl", true),
	)
	if opts.ChromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	r := &Renderer{
		opts:        opts,
		frames:      frames,
		logger:      logger,
		net:         newNetworkTracker(),
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}

	chromedp.ListenTarget(tabCtx, r.handleEvent)

	return r
}

func (r *Renderer) handleEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		r.net.started(ev.RequestID)
	case *network.EventLoadingFinished:
		r.net.finished(ev.RequestID)
	case *network.EventLoadingFailed:
		r.net.finished(ev.RequestID)
	case *runtime.EventConsoleAPICalled:
		parts := make([]string, 0, len(ev.Args))
		for _, arg := range ev.Args {
			if len(arg.Value) > 0 {
				parts = append(parts, string(arg.Value))
			} else {
				parts = append(parts, arg.Description)
			}
		}
		r.logger.Info("PAGE LOG", zap.String("type", string(ev.Type)), zap.String("text", strings.Join(parts, " ")))
	}
}

// NavigateInitial starts the browser and loads the map page.
func (r *Renderer) NavigateInitial(ctx context.Context, url string) error {
	r.logger.Info("Launching browser", zap.Int("width", r.opts.Width), zap.Int("height", r.opts.Height))

	// The first Run allocates the browser and must not carry a deadline,
	// otherwise the whole browser dies with it.
	if err := chromedp.Run(r.tabCtx); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	r.logger.Info("Loading map page", zap.String("url", url))
	err := r.run(ctx,
		network.Enable(),
		chromedp.EmulateViewport(int64(r.opts.Width), int64(r.opts.Height)),
		chromedp.Navigate(url),
	)
	if err != nil {
		return err
	}

	// networkidle2
	if err := r.waitNetworkIdle(ctx, 2, 500*time.Millisecond); err != nil {
		return err
	}
	r.logger.Info("Loaded map page")
	return nil
}

// SetView moves the map to key and waits for the map's next idle event.
func (r *Renderer) SetView(ctx context.Context, key coordinate.Key) error {
	expr := fmt.Sprintf(`(async () => {
	window.setLocation(%s, %s, %s, %d, %s, %s);
	await new Promise((resolve) => map.once('idle', resolve));
	return true;
})()`, jsFloat(key.Lat), jsFloat(key.Lng), jsFloat(key.Zoom), key.Date, jsFloat(key.Bearing), jsFloat(key.Pitch))

	var ok bool
	return r.run(ctx, chromedp.Evaluate(expr, &ok, awaitPromise))
}

// WaitUntilStable waits for the network to go quiet and flushes pending GPU work.
func (r *Renderer) WaitUntilStable(ctx context.Context) error {
	if err := r.waitNetworkIdle(ctx, 0, 500*time.Millisecond); err != nil {
		return err
	}

	var ok bool
	return r.run(ctx, chromedp.Evaluate(`(() => { shadeMap.flushSync(); return true; })()`, &ok))
}

// Capture returns the current viewport as PNG bytes.
func (r *Renderer) Capture(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := r.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}

	width, height, err := r.frames.Inspect(buf)
	if err != nil {
		return nil, fmt.Errorf("captured frame: %w", err)
	}
	r.logger.Debug("Captured frame", zap.Int("width", width), zap.Int("height", height), zap.Int("bytes", len(buf)))
	return buf, nil
}

// EvaluatePoint projects key to screen space and reports whether the pixel
// under it is dark enough to count as shade.
func (r *Renderer) EvaluatePoint(ctx context.Context, key coordinate.Key) (bool, error) {
	var pt struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	expr := fmt.Sprintf(`(() => { const p = map.project([%s, %s]); return {x: p.x, y: p.y}; })()`,
		jsFloat(key.Lng), jsFloat(key.Lat))
	if err := r.run(ctx, chromedp.Evaluate(expr, &pt)); err != nil {
		return false, err
	}

	buf, err := r.Capture(ctx)
	if err != nil {
		return false, err
	}

	lum, err := r.frames.Luminance(buf, int(pt.X), int(pt.Y))
	if err != nil {
		return false, fmt.Errorf("sample point: %w", err)
	}

	inShade := lum < r.opts.ShadeThreshold
	r.logger.Debug("Sampled point",
		zap.Float64("x", pt.X),
		zap.Float64("y", pt.Y),
		zap.Float64("luminance", lum),
		zap.Bool("in_shade", inShade),
	)
	return inShade, nil
}

// Close shuts down the tab and the browser process.
func (r *Renderer) Close() {
	r.tabCancel()
	r.allocCancel()
}

// run executes actions on the tab, bounded by ctx as well as the tab's lifetime.
func (r *Renderer) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(r.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (r *Renderer) waitNetworkIdle(ctx context.Context, maxInflight int, quiet time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.net.idle(maxInflight, quiet) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for network idle: %w", ctx.Err())
		case <-r.tabCtx.Done():
			return errors.New("browser closed")
		case <-ticker.C:
		}
	}
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func jsFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
