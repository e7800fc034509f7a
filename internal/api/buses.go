package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/bus-tracker/internal/model"
)

// ErrNoPosition is returned by GetLocation when the bus has never reported.
var ErrNoPosition = errors.New("bus has no known position")

// positionWire is the REST shape of one position.
type positionWire struct {
	BusID     any      `json:"bus_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     float64  `json:"speed"`
	Heading   float64  `json:"heading"`
	Timestamp string   `json:"timestamp"`
}

// trailWire is the response of the trail endpoint.
type trailWire struct {
	BusID  any            `json:"bus_id"`
	Points []positionWire `json:"points"`
}

// GetLocation fetches the last known position of busID.
func (c *Client) GetLocation(ctx context.Context, busID string) (model.Position, error) {
	var wire positionWire
	if err := c.get(ctx, "/buses/"+url.PathEscape(busID)+"/location/", nil, &wire); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return model.Position{}, fmt.Errorf("bus %s: %w", busID, ErrNoPosition)
		}
		return model.Position{}, fmt.Errorf("get location for bus %s: %w", busID, err)
	}
	if wire.Latitude == nil || wire.Longitude == nil {
		return model.Position{}, fmt.Errorf("bus %s: %w", busID, ErrNoPosition)
	}

	pos, err := wire.toPosition()
	if err != nil {
		return model.Position{}, fmt.Errorf("bus %s location: %w", busID, err)
	}
	return pos, nil
}

// GetTrail fetches up to limit recent points for busID, oldest first.
// Points that fail to convert are skipped.
func (c *Client) GetTrail(ctx context.Context, busID string, limit int) ([]model.Position, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var wire trailWire
	if err := c.get(ctx, "/buses/"+url.PathEscape(busID)+"/trail/", query, &wire); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return nil, nil
		}
		return nil, fmt.Errorf("get trail for bus %s: %w", busID, err)
	}

	points := make([]model.Position, 0, len(wire.Points))
	for _, w := range wire.Points {
		pos, err := w.toPosition()
		if err != nil {
			c.logger.Debug("skipping trail point", "bus_id", busID, "error", err)
			continue
		}
		points = append(points, pos)
	}
	return points, nil
}

func (w positionWire) toPosition() (model.Position, error) {
	if w.Latitude == nil || w.Longitude == nil {
		return model.Position{}, errors.New("missing coordinates")
	}
	ts, err := model.ParseTimestamp(w.Timestamp)
	if err != nil {
		return model.Position{}, err
	}

	pos := model.Position{
		Latitude:  *w.Latitude,
		Longitude: *w.Longitude,
		Speed:     w.Speed,
		Heading:   w.Heading,
		Timestamp: ts,
	}
	if !pos.Valid() {
		return model.Position{}, fmt.Errorf("coordinates out of range: %v,%v", pos.Latitude, pos.Longitude)
	}
	return pos, nil
}
