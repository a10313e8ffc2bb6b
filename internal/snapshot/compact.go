package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-task-agent/internal/browser"
)

const (
	// DefaultViewportBuffer keeps nodes this many pixels above or below the viewport.
	DefaultViewportBuffer = 200
	// rowTolerance groups nodes whose tops differ by at most this many pixels into one row.
	rowTolerance = 8
	// IndexAttr is stamped on every kept node so it can be found again by index.
	IndexAttr = "data-agent-idx"
)

// candidate is one raw node reported by the collection script.
type candidate struct {
	Cand        int     `json:"cand"`
	Tag         string  `json:"tag"`
	Ident       string  `json:"ident"`
	Text        string  `json:"text"`
	Role        string  `json:"role"`
	Type        string  `json:"type"`
	Href        string  `json:"href"`
	Placeholder string  `json:"placeholder"`
	Checked     bool    `json:"checked"`
	Disabled    bool    `json:"disabled"`
	Hidden      bool    `json:"hidden"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	W           float64 `json:"w"`
	H           float64 `json:"h"`

	inViewport bool
	row        int
}

type collected struct {
	ViewportWidth  int         `json:"vw"`
	ViewportHeight int         `json:"vh"`
	ScrollY        int         `json:"scrollY"`
	Candidates     []candidate `json:"candidates"`
}

// Compactor turns a live page into a ranked, capped element list.
type Compactor struct {
	buffer int
	logger zerolog.Logger
}

func New(logger zerolog.Logger, viewportBuffer int) *Compactor {
	if viewportBuffer < 0 {
		viewportBuffer = DefaultViewportBuffer
	}
	return &Compactor{
		buffer: viewportBuffer,
		logger: logger.With().Str("comp", "snapshot").Logger(),
	}
}

// Compact never fails: script errors are reported through PageSnapshot.Err.
func (c *Compactor) Compact(ctx context.Context, page browser.Page, maxElements int) PageSnapshot {
	snap := PageSnapshot{URL: page.URL()}
	snap.Title, _ = page.Title()
	if err := ctx.Err(); err != nil {
		snap.Err = err.Error()
		return snap
	}

	raw, err := page.Evaluate(collectScript, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", snap.URL).Msg("element collection failed")
		snap.Err = err.Error()
		return snap
	}
	var data collected
	if err := decode(raw, &data); err != nil {
		c.logger.Warn().Err(err).Msg("element collection returned unexpected data")
		snap.Err = err.Error()
		return snap
	}
	snap.ViewportWidth, snap.ViewportHeight, snap.ScrollY = data.ViewportWidth, data.ViewportHeight, data.ScrollY

	kept := rank(data.Candidates, data.ViewportWidth, data.ViewportHeight, c.buffer)
	if maxElements > 0 && len(kept) > maxElements {
		kept = kept[:maxElements]
	}

	pairs := make([][]int, len(kept))
	for i, cd := range kept {
		pairs[i] = []int{cd.Cand, i}
	}
	locators, err := c.stamp(page, pairs)
	if err != nil {
		c.logger.Warn().Err(err).Msg("locator synthesis failed, using index locators")
	}

	snap.Elements = make([]Element, len(kept))
	for i, cd := range kept {
		loc := fmt.Sprintf(`[%s="%d"]`, IndexAttr, i)
		if i < len(locators) && locators[i] != "" {
			loc = locators[i]
		}
		snap.Elements[i] = Element{
			Index:       i,
			Tag:         cd.Tag,
			Locator:     loc,
			Text:        cd.Text,
			Role:        cd.Role,
			Type:        cd.Type,
			Href:        cd.Href,
			Placeholder: cd.Placeholder,
			Checked:     cd.Checked,
			Disabled:    cd.Disabled,
			Position: Position{
				X: int(math.Round(cd.X + cd.W/2)),
				Y: int(math.Round(cd.Y + cd.H/2)),
			},
		}
	}
	c.logger.Debug().
		Int("candidates", len(data.Candidates)).
		Int("kept", len(snap.Elements)).
		Msg("page compacted")
	return snap
}

// stamp marks kept nodes with their index, clears the candidate markers and
// returns one synthesized locator per pair.
func (c *Compactor) stamp(page browser.Page, pairs [][]int) ([]string, error) {
	raw, err := page.Evaluate(stampScript, pairs)
	if err != nil {
		return nil, err
	}
	var locators []string
	if err := decode(raw, &locators); err != nil {
		return nil, err
	}
	return locators, nil
}

// rank drops unusable candidates and orders the rest: in-viewport nodes
// first, then near-viewport ones, each group in reading order.
func rank(cands []candidate, vw, vh, buffer int) []candidate {
	kept := make([]candidate, 0, len(cands))
	for _, cd := range cands {
		if cd.Hidden || cd.W <= 0 || cd.H <= 0 {
			continue
		}
		if excluded(cd.Ident) {
			continue
		}
		top, bottom := cd.Y, cd.Y+cd.H
		if bottom < -float64(buffer) || top > float64(vh+buffer) {
			continue
		}
		cd.inViewport = bottom > 0 && top < float64(vh)
		if vw > 0 && (cd.X+cd.W <= 0 || cd.X >= float64(vw)) {
			cd.inViewport = false
		}
		kept = append(kept, cd)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Y < kept[j].Y })
	row, rowTop := -1, math.Inf(-1)
	for i := range kept {
		if kept[i].Y-rowTop > rowTolerance {
			row++
			rowTop = kept[i].Y
		}
		kept[i].row = row
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.inViewport != b.inViewport {
			return a.inViewport
		}
		if a.row != b.row {
			return a.row < b.row
		}
		return a.X < b.X
	})
	return kept
}

var (
	// excludedTokens must match a whole identifier token.
	excludedTokens = map[string]bool{
		"ad": true, "ads": true, "share": true, "social": true, "sharing": true,
	}
	// excludedPrefixes match the start of any identifier token.
	excludedPrefixes = []string{
		"advert", "adsense", "adsbygoogle", "doubleclick", "sponsor",
		"cookie", "consent", "gdpr", "tracking", "tracker", "analytics",
		"overlay", "sharethis", "addthis",
	}
)

// excluded reports whether identifying attributes mark the node as ad,
// tracking, cookie-banner, overlay or share-widget chrome.
func excluded(ident string) bool {
	tokens := strings.FieldsFunc(strings.ToLower(ident), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		if excludedTokens[tok] {
			return true
		}
		for _, p := range excludedPrefixes {
			if strings.HasPrefix(tok, p) {
				return true
			}
		}
	}
	return false
}

func decode(raw any, out any) error {
	if raw == nil {
		return fmt.Errorf("empty script result")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
