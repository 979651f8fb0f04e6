// Package group runs filtering and extraction over a set of entries and
// buckets the survivors into events.
package group

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftershock/internal/disaster"
	"github.com/linnemanlabs/aftershock/internal/filter"
)

var mdNumberRe = regexp.MustCompile(`md\s+(\d+)`)

// Key derives the grouping key for an entry. It is a pure function of its
// inputs.
func Key(e *disaster.RawEntry, d *disaster.Details) string {
	where := fmt.Sprintf("in %s on %s", d.Location, d.Date)

	var key string
	switch sev := d.SeverityString(); {
	case e.SourceType == disaster.SourceGDACS && d.AlertLevel != "":
		key = fmt.Sprintf("%s (%s Alert) %s", d.DisasterType, capitalize(d.AlertLevel), where)
	case sev != "":
		key = fmt.Sprintf("%s (%s) %s", d.DisasterType, sev, where)
	default:
		key = fmt.Sprintf("%s %s", d.DisasterType, where)
	}

	if e.SourceType == disaster.SourceSPC {
		title := strings.ToLower(e.Title)
		if strings.Contains(title, "spc md") {
			if m := mdNumberRe.FindStringSubmatch(title); m != nil {
				key = fmt.Sprintf("Severe Weather Discussion (MD %s)", m[1])
			}
		}
	}
	return key
}

// capitalize upper-cases the first letter and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	return strings.ToUpper(string(r[0])) + string(r[1:])
}

// Extractor produces details for entries, keyed by link.
type Extractor interface {
	Extract(ctx context.Context, entries []disaster.RawEntry) map[string]disaster.Details
}

// Hooks receives per-entry decisions for metrics. Nil fields are skipped.
type Hooks struct {
	OnFiltered func(stage, rule string)
}

// Grouper wires the filter and an Extractor together.
type Grouper struct {
	extractor Extractor
	logger    log.Logger
	hooks     Hooks
}

// New creates a Grouper.
func New(extractor Extractor, logger log.Logger, hooks Hooks) *Grouper {
	return &Grouper{extractor: extractor, logger: logger, hooks: hooks}
}

// Group filters entries before and after extraction and buckets the rest by
// Key. Entries the extractor did not describe are logged and skipped.
func (g *Grouper) Group(ctx context.Context, entries []disaster.RawEntry) disaster.Groups {
	groups := disaster.Groups{}

	kept := make([]disaster.RawEntry, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if rule, ok := filter.Matches(e, nil); ok {
			g.filtered(ctx, "pre_extraction", rule, e)
			continue
		}
		kept = append(kept, *e)
	}
	if len(kept) == 0 {
		return groups
	}

	g.logger.Info(ctx, "extracting details", "entries", len(kept), "filtered", len(entries)-len(kept))
	details := g.extractor.Extract(ctx, kept)

	for i := range kept {
		e := &kept[i]
		d, ok := details[e.Link]
		if !ok {
			g.logger.Warn(ctx, "no details for entry, skipping", "link", e.Link, "title", e.Title)
			continue
		}
		if rule, ok := filter.Matches(e, &d); ok {
			g.filtered(ctx, "post_extraction", rule, e)
			continue
		}
		key := Key(e, &d)
		groups[key] = append(groups[key], disaster.NewMember(e, d))
	}
	return groups
}

func (g *Grouper) filtered(ctx context.Context, stage, rule string, e *disaster.RawEntry) {
	g.logger.Info(ctx, "entry filtered",
		"stage", stage,
		"rule", rule,
		"source_type", string(e.SourceType),
		"title", e.Title,
	)
	if g.hooks.OnFiltered != nil {
		g.hooks.OnFiltered(stage, rule)
	}
}
