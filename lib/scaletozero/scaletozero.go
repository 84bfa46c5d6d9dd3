package scaletozero

import (
	"context"
	"os"
	"sync"

	"github.com/agentdesk/workstation/lib/logger"
)

// Unikraft scale-to-zero control file
// https://unikraft.cloud/docs/api/v1/instances/#scaletozero_app
const unikraftScaleToZeroFile = "/uk/libukp/scale_to_zero_disable"

type Controller interface {
	// Disable turns scale-to-zero off.
	Disable(ctx context.Context) error
	// Enable re-enables scale-to-zero after it has previously been disabled.
	Enable(ctx context.Context) error
}

type unikraftCloudController struct {
	path string
}

// NewUnikraftCloudController returns a Controller backed by the platform
// control file. An empty path selects the default location; a host without
// the file gets no-op behavior.
func NewUnikraftCloudController(path string) Controller {
	if path == "" {
		path = unikraftScaleToZeroFile
	}
	return &unikraftCloudController{path: path}
}

func (c *unikraftCloudController) Disable(ctx context.Context) error {
	return c.write(ctx, "+")
}

func (c *unikraftCloudController) Enable(ctx context.Context) error {
	return c.write(ctx, "-")
}

func (c *unikraftCloudController) write(ctx context.Context, char string) error {
	if _, err := os.Stat(c.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		logger.FromContext(ctx).Error("failed to stat scale-to-zero control file", "path", c.path, "err", err)
		return err
	}

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		logger.FromContext(ctx).Error("failed to open scale-to-zero control file", "path", c.path, "err", err)
		return err
	}
	defer f.Close()
	if _, err := f.Write([]byte(char)); err != nil {
		logger.FromContext(ctx).Error("failed to write scale-to-zero control file", "path", c.path, "err", err)
		return err
	}
	return nil
}

type NoopController struct{}

func NewNoopController() *NoopController { return &NoopController{} }

func (NoopController) Disable(context.Context) error { return nil }
func (NoopController) Enable(context.Context) error  { return nil }

// Oncer wraps a Controller and ensures that Disable and Enable are called at most once.
type Oncer struct {
	ctrl        Controller
	disableOnce sync.Once
	enableOnce  sync.Once
	disableErr  error
	enableErr   error
}

func NewOncer(c Controller) *Oncer { return &Oncer{ctrl: c} }

func (o *Oncer) Disable(ctx context.Context) error {
	o.disableOnce.Do(func() { o.disableErr = o.ctrl.Disable(ctx) })
	return o.disableErr
}

func (o *Oncer) Enable(ctx context.Context) error {
	o.enableOnce.Do(func() { o.enableErr = o.ctrl.Enable(ctx) })
	return o.enableErr
}

// DebouncedController refcounts Disable/Enable pairs so the wrapped controller
// only sees the first Disable and the last Enable. Concurrent holders (an
// active FFmpeg pipeline plus in-flight HTTP requests) share one underlying
// disable.
type DebouncedController struct {
	mu    sync.Mutex
	ctrl  Controller
	holds int
}

func NewDebouncedController(c Controller) *DebouncedController {
	return &DebouncedController{ctrl: c}
}

func (d *DebouncedController) Disable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.holds == 0 {
		if err := d.ctrl.Disable(ctx); err != nil {
			return err
		}
	}
	d.holds++
	return nil
}

func (d *DebouncedController) Enable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.holds == 0 {
		return nil
	}
	if d.holds == 1 {
		if err := d.ctrl.Enable(ctx); err != nil {
			return err
		}
	}
	d.holds--
	return nil
}
