package crestron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"crestron-shades-backend/internal/model"
)

// setStateResult is the hub's answer to a setstate request.
type setStateResult struct {
	Status       string            `json:"status"`
	ErrorMessage string            `json:"errorMessage"`
	ErrorDevices []json.RawMessage `json:"errorDevices"`
}

// GetShades fetches every shade from the hub and replaces the client cache.
func (c *Client) GetShades(ctx context.Context) ([]model.Shade, error) {
	var shades []model.Shade
	err := c.executeWithRetry(ctx, operation{
		name:          "get_shades",
		authenticated: true,
		call: func(ctx context.Context, key string) error {
			body, err := c.do(ctx, request{
				op:     "get_shades",
				method: http.MethodGet,
				path:   "/shades",
				header: http.Header{AuthKeyHeader: []string{key}},
			})
			if err != nil {
				return err
			}
			shades, err = decodeShadeList(body)
			if err != nil {
				return &Error{Kind: KindProtocol, Op: "get_shades", Err: err}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	cache := make(map[int]model.Shade, len(shades))
	for _, s := range shades {
		cache[s.ID] = s
	}
	c.mu.Lock()
	c.shades = cache
	c.mu.Unlock()

	return shades, nil
}

// GetShade fetches a single shade. A shade the hub does not know yields ErrShadeNotFound.
func (c *Client) GetShade(ctx context.Context, id int) (model.Shade, error) {
	var shade model.Shade
	err := c.executeWithRetry(ctx, operation{
		name:          "get_shade",
		authenticated: true,
		call: func(ctx context.Context, key string) error {
			body, err := c.do(ctx, request{
				op:     "get_shade",
				method: http.MethodGet,
				path:   fmt.Sprintf("/shades/%d", id),
				header: http.Header{AuthKeyHeader: []string{key}},
			})
			if err != nil {
				if cerr, ok := err.(*Error); ok && (cerr.StatusCode == http.StatusNotFound || cerr.StatusCode == http.StatusBadRequest) {
					cerr.Kind = KindNotFound
				}
				return err
			}
			found, ok, err := decodeShade(body, id)
			if err != nil {
				return &Error{Kind: KindProtocol, Op: "get_shade", Err: err}
			}
			if !ok {
				return &Error{Kind: KindNotFound, Op: "get_shade", Body: fmt.Sprintf("shade %d", id)}
			}
			shade = found
			return nil
		},
	})
	if err != nil {
		return model.Shade{}, err
	}
	return shade, nil
}

// SetShadesState posts the given shade states to the hub.
func (c *Client) SetShadesState(ctx context.Context, shades []model.Shade) error {
	payload := struct {
		Shades []model.Shade `json:"shades"`
	}{Shades: make([]model.Shade, len(shades))}
	for i, s := range shades {
		s.Position = model.ClampPosition(s.Position)
		payload.Shades[i] = s
	}

	err := c.executeWithRetry(ctx, operation{
		name:          "set_shades_state",
		authenticated: true,
		call: func(ctx context.Context, key string) error {
			body, err := c.do(ctx, request{
				op:     "set_shades_state",
				method: http.MethodPost,
				path:   "/shades/setstate",
				header: http.Header{AuthKeyHeader: []string{key}},
				body:   payload,
			})
			if err != nil {
				return err
			}
			var result setStateResult
			if err := json.Unmarshal(body, &result); err != nil {
				return &Error{Kind: KindProtocol, Op: "set_shades_state", Err: fmt.Errorf("failed to unmarshal setstate response: %w", err)}
			}
			if result.Status != "success" {
				return &Error{
					Kind: KindProtocol,
					Op:   "set_shades_state",
					Body: fmt.Sprintf("status %q: %s", result.Status, result.ErrorMessage),
				}
			}
			return nil
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, s := range payload.Shades {
		c.shades[s.ID] = s
	}
	c.mu.Unlock()
	return nil
}

// SetPosition moves a shade to pos (device units). The shade must have been
// seen by a previous GetShades call.
func (c *Client) SetPosition(ctx context.Context, id, pos int) (model.Shade, error) {
	if !c.HasShade(id) {
		return model.Shade{}, &Error{Kind: KindNotFound, Op: "set_position", Body: fmt.Sprintf("shade %d", id)}
	}

	shade, err := c.GetShade(ctx, id)
	if err != nil {
		return model.Shade{}, err
	}
	shade.Position = model.ClampPosition(pos)

	if err := c.SetShadesState(ctx, []model.Shade{shade}); err != nil {
		return model.Shade{}, err
	}
	c.logger.Debug("Set shade position", "host", c.host, "shade_id", id, "position", shade.Position)
	return shade, nil
}

// OpenShade moves a shade to fully open.
func (c *Client) OpenShade(ctx context.Context, id int) (model.Shade, error) {
	return c.SetPosition(ctx, id, model.PositionOpen)
}

// CloseShade moves a shade to fully closed.
func (c *Client) CloseShade(ctx context.Context, id int) (model.Shade, error) {
	return c.SetPosition(ctx, id, model.PositionClosed)
}

// StopShade halts a moving shade. The hub has no stop operation, so the
// shade's current position is read back and submitted as its new target.
func (c *Client) StopShade(ctx context.Context, id int) (model.Shade, error) {
	if !c.HasShade(id) {
		return model.Shade{}, &Error{Kind: KindNotFound, Op: "stop_shade", Body: fmt.Sprintf("shade %d", id)}
	}

	shade, err := c.GetShade(ctx, id)
	if err != nil {
		return model.Shade{}, err
	}
	if err := c.SetShadesState(ctx, []model.Shade{shade}); err != nil {
		return model.Shade{}, err
	}
	c.logger.Debug("Stopped shade", "host", c.host, "shade_id", id, "position", shade.Position)
	return shade, nil
}

// HasShade reports whether id was present in the last shade listing.
func (c *Client) HasShade(id int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.shades[id]
	return ok
}

// CachedShades returns the client's cached shades ordered by id.
func (c *Client) CachedShades() []model.Shade {
	c.mu.RLock()
	shades := make([]model.Shade, 0, len(c.shades))
	for _, s := range c.shades {
		shades = append(shades, s)
	}
	c.mu.RUnlock()

	sort.Slice(shades, func(i, j int) bool { return shades[i].ID < shades[j].ID })
	return shades
}

// decodeShadeList accepts both a bare array and a {"shades": [...]} envelope.
func decodeShadeList(body []byte) ([]model.Shade, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty shades response")
	}

	var shades []model.Shade
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &shades); err != nil {
			return nil, fmt.Errorf("failed to unmarshal shades array: %w", err)
		}
	case '{':
		var envelope struct {
			Shades *[]model.Shade `json:"shades"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal shades response: %w", err)
		}
		if envelope.Shades == nil {
			return nil, fmt.Errorf("shades response has no shades field")
		}
		shades = *envelope.Shades
	default:
		return nil, fmt.Errorf("unexpected shades response")
	}

	out := make([]model.Shade, 0, len(shades))
	for _, s := range shades {
		out = append(out, s.WithDefaults())
	}
	return out, nil
}

// decodeShade accepts an envelope, an array or a bare object and returns the
// shade with the requested id.
func decodeShade(body []byte, id int) (model.Shade, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return model.Shade{}, false, fmt.Errorf("failed to unmarshal shade response: %w", err)
		}
		if _, ok := probe["shades"]; !ok {
			var shade model.Shade
			if err := json.Unmarshal(trimmed, &shade); err != nil {
				return model.Shade{}, false, fmt.Errorf("failed to unmarshal shade: %w", err)
			}
			return shade.WithDefaults(), shade.ID == id, nil
		}
	}

	shades, err := decodeShadeList(trimmed)
	if err != nil {
		return model.Shade{}, false, err
	}
	for _, s := range shades {
		if s.ID == id {
			return s, true, nil
		}
	}
	return model.Shade{}, false, nil
}
