package common

import (
	"context"
	"fmt"
	"math"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"

	"github.com/grafana/browsermirror/api"
)

var _ api.ElementHandle = &ElementHandle{}

// ElementHandle is a DOM node of a page.
type ElementHandle struct {
	page     *Page
	nodeID   cdp.NodeID
	selector string
}

// BoundingBox returns the content box of the element.
func (h *ElementHandle) BoundingBox(ctx context.Context) (api.Rect, error) {
	model, err := dom.GetBoxModel().WithNodeID(h.nodeID).Do(cdp.WithExecutor(ctx, h.page.session))
	if err != nil {
		return api.Rect{}, fmt.Errorf("getting box model of %q: %w", h.selector, err)
	}
	if model == nil || len(model.Content) < 8 {
		return api.Rect{}, fmt.Errorf("getting box model of %q: element is not visible", h.selector)
	}

	return quadBounds(model.Content), nil
}

// Click clicks the centre of the element with the left mouse button.
func (h *ElementHandle) Click(ctx context.Context) error {
	ctx, span := h.page.tracer.TraceAPICall(ctx, h.page.ID(), "elementHandle.click")
	defer span.End()

	box, err := h.BoundingBox(ctx)
	if err != nil {
		return err
	}
	x, y := box.Center()
	if err := h.page.mouse.Click(ctx, x, y); err != nil {
		return fmt.Errorf("clicking %q: %w", h.selector, err)
	}
	return nil
}

// quadBounds returns the rectangle enclosing the points of quad.
func quadBounds(quad dom.Quad) api.Rect {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(quad); i += 2 {
		minX = math.Min(minX, quad[i])
		maxX = math.Max(maxX, quad[i])
		minY = math.Min(minY, quad[i+1])
		maxY = math.Max(maxY, quad[i+1])
	}
	return api.Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}
