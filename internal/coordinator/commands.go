package coordinator

import (
	"context"

	"crestron-shades-backend/internal/crestron"
	"crestron-shades-backend/internal/model"
)

// OpenShade fully opens a shade. It reports false for unknown shades and
// failed commands.
func (c *Coordinator) OpenShade(ctx context.Context, id int) bool {
	return c.command(ctx, "open", id, c.api.OpenShade)
}

// CloseShade fully closes a shade.
func (c *Coordinator) CloseShade(ctx context.Context, id int) bool {
	return c.command(ctx, "close", id, c.api.CloseShade)
}

// StopShade halts a shade at its current position.
func (c *Coordinator) StopShade(ctx context.Context, id int) bool {
	return c.command(ctx, "stop", id, c.api.StopShade)
}

// SetShadePosition moves a shade to percent open (0 closed, 100 open).
func (c *Coordinator) SetShadePosition(ctx context.Context, id, percent int) bool {
	pos := crestron.ToDeviceUnits(percent)
	return c.command(ctx, "set_position", id, func(ctx context.Context, id int) (model.Shade, error) {
		return c.api.SetPosition(ctx, id, pos)
	})
}

func (c *Coordinator) command(ctx context.Context, name string, id int, call func(context.Context, int) (model.Shade, error)) bool {
	if !c.HasShade(id) {
		c.logger.Warn("Command for unknown shade", "command", name, "shade_id", id)
		return false
	}

	shade, err := call(ctx, id)
	if err != nil {
		c.logger.Error("Shade command failed", "command", name, "shade_id", id, "kind", crestron.KindOf(err).String(), "error", err)
		if crestron.IsAuth(err) {
			c.RequestRefresh()
		}
		return false
	}

	c.mu.Lock()
	c.shades[shade.ID] = shade
	c.writes++
	c.version++
	c.mu.Unlock()

	c.logger.Debug("Shade command applied", "command", name, "shade_id", id, "position", shade.Position)
	c.publish()
	c.RequestRefresh()
	return true
}
