package agent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-task-agent/internal/browser"
	"github.com/polzovatel/browser-task-agent/internal/snapshot"
)

const DefaultMaxElements = 50

// PageObserver compacts the live page and optionally captures the viewport.
type PageObserver struct {
	ctrl        browser.Controller
	compactor   *snapshot.Compactor
	maxElements int
	shot        browser.ScreenshotOptions
	logger      zerolog.Logger
}

func NewPageObserver(ctrl browser.Controller, compactor *snapshot.Compactor, maxElements int, shot browser.ScreenshotOptions, logger zerolog.Logger) *PageObserver {
	if maxElements <= 0 {
		maxElements = DefaultMaxElements
	}
	return &PageObserver{
		ctrl:        ctrl,
		compactor:   compactor,
		maxElements: maxElements,
		shot:        shot,
		logger:      logger.With().Str("comp", "observer").Logger(),
	}
}

// Observe never fails. A screenshot error leaves Screenshot nil and the
// step continues on text alone.
func (o *PageObserver) Observe(ctx context.Context, screenshot bool) PageState {
	state := PageState{Snapshot: o.compactor.Compact(ctx, o.ctrl, o.maxElements)}
	if !screenshot {
		return state
	}
	img, err := o.ctrl.Screenshot(ctx, o.shot)
	if err != nil {
		o.logger.Warn().Err(err).Str("url", state.Snapshot.URL).Msg("screenshot failed")
		return state
	}
	state.Screenshot = img
	return state
}
