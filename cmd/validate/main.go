// Command validate runs the agency parsers offline against a directory of
// saved feeds and checks the canonical-model invariants of everything they
// produce: readings ascending with no duplicate timestamps, no magic null
// values leaking through, variables known to their agency, and provenance
// present.
//
// Feeds are picked by extension: *.xml is AHPS, *.rdb is USGS (site_<state>.rdb
// files are site listings), *.csv is Colorado DWR. The site id is the file
// name up to the first underscore, with a leading "iv_" removed.
//
// Usage:
//
//	go run ./cmd/validate -dir internal/adapter/usgs/testdata
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/riverflows/internal/adapter/ahps"
	"github.com/couchcryptid/riverflows/internal/adapter/codwr"
	"github.com/couchcryptid/riverflows/internal/adapter/httpcache"
	"github.com/couchcryptid/riverflows/internal/adapter/usgs"
	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
)

const fixtureBase = "http://fixtures.invalid"

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// feed is one parsed fixture file.
type feed struct {
	file     string
	source   domain.DataSource
	data     *domain.SiteData
	listings []domain.SiteData
	err      error
}

func main() {
	dir := flag.String("dir", "", "directory containing saved agency feeds")
	verbose := flag.Bool("v", false, "log parser warnings")
	flag.Parse()

	if *dir == "" {
		flag.Usage()
		os.Exit(1)
	}
	if code := run(*dir, *verbose, os.Stdout); code != 0 {
		os.Exit(code)
	}
}

func run(dir string, verbose bool, out io.Writer) int {
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)))
	defer domain.SetClock(nil)

	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fmt.Fprintln(out, "=== RiverFlows Feed Validation ===")
	fmt.Fprintln(out)

	feeds, err := loadFeeds(context.Background(), dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	if len(feeds) == 0 {
		fmt.Fprintf(os.Stderr, "FATAL: no feeds found in %s\n", dir)
		return 1
	}

	phases := []*phase{
		validateDecoding(feeds),
		validateOrdering(feeds),
		validateValues(feeds),
		validateProvenance(feeds),
		validateListings(feeds),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Feeds: %d, series: %d, readings: %d\n", len(feeds), countSeries(feeds), countReadings(feeds))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(out, "\nValidation FAILED.")
	return 1
}

// ── Loading ──

func loadFeeds(ctx context.Context, dir string, logger *slog.Logger) ([]*feed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetricsForTesting()
	ft := httpcache.NewFixtureTransport(fixtureBase, dir)

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var feeds []*feed
	for _, name := range names {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		f := &feed{file: name}

		switch ext {
		case ".xml":
			src := ahps.New(fixtureBase+"/ahps", ft, logger, metrics)
			id := siteID(stem)
			ft.Route(src.SiteURL(id), name)
			f.source = src
			f.data, f.err = src.FetchSite(ctx, site(ahps.Agency, id), nil, false)
		case ".rdb":
			src := usgs.New(fixtureBase+"/usgs", ft, logger, metrics)
			f.source = src
			if state, ok := strings.CutPrefix(stem, "site_"); ok {
				ft.Route(src.SitesURL(domain.USState(state)), name)
				f.listings, f.err = src.ListSites(ctx, domain.USState(state))
				break
			}
			id := siteID(stem)
			ft.Route(src.SiteURL(id, nil), name)
			f.data, f.err = src.FetchSite(ctx, site(usgs.Agency, id), nil, false)
		case ".csv":
			src := codwr.New(fixtureBase+"/codwr", ft, logger, metrics)
			id := siteID(stem)
			ft.Route(src.SiteURL(id, nil), name)
			f.source = src
			f.data, f.err = src.FetchSite(ctx, site(codwr.Agency, id), nil, false)
		default:
			continue
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}

func siteID(stem string) string {
	stem = strings.TrimPrefix(stem, "iv_")
	id, _, _ := strings.Cut(stem, "_")
	return id
}

func site(agency, id string) domain.Site {
	return domain.Site{ID: domain.SiteID{Agency: agency, ID: id}, Name: id}
}

func countSeries(feeds []*feed) int {
	n := 0
	for _, f := range feeds {
		if f.data != nil {
			n += len(f.data.Datasets)
		}
	}
	return n
}

func countReadings(feeds []*feed) int {
	n := 0
	for _, f := range feeds {
		if f.data == nil {
			continue
		}
		for _, s := range f.data.Datasets {
			n += len(s.Readings)
		}
	}
	return n
}

// ── Phase 1: Decoding ──

func validateDecoding(feeds []*feed) *phase {
	p := &phase{name: "Phase 1: Decoding"}
	for _, f := range feeds {
		var pe *domain.DataParseError
		switch {
		case errors.As(f.err, &pe):
			p.errorf("%s: %v", f.file, pe.Err)
		case f.err != nil:
			p.errorf("%s: %v", f.file, f.err)
		case f.data != nil && len(f.data.Datasets) == 0:
			p.errorf("%s: no series decoded", f.file)
		}
	}
	return p
}

// ── Phase 2: Ordering ──

func validateOrdering(feeds []*feed) *phase {
	p := &phase{name: "Phase 2: Ordering (ascending, unique)"}
	for _, f := range feeds {
		if f.data == nil {
			continue
		}
		for common, s := range f.data.Datasets {
			checkOrdering(p, f.file+" "+string(common), s)
		}
	}
	return p
}

func checkOrdering(p *phase, label string, s *domain.Series) {
	for i := 1; i < len(s.Readings); i++ {
		prev, cur := s.Readings[i-1].Time, s.Readings[i].Time
		if !prev.Before(cur) {
			p.errorf("%s: reading %d at %s not after %s", label, i, cur.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
	}
}

// ── Phase 3: Values ──

func validateValues(feeds []*feed) *phase {
	p := &phase{name: "Phase 3: Values (units, null sentinels)"}
	for _, f := range feeds {
		if f.data == nil {
			continue
		}
		for common, s := range f.data.Datasets {
			checkValues(p, f.file, f.source, common, s)
		}
	}
	return p
}

func checkValues(p *phase, file string, source domain.DataSource, common domain.CommonVariable, s *domain.Series) {
	if !common.Valid() {
		p.errorf("%s: unknown canonical variable %q", file, common)
	}
	if s.Variable.Common != common {
		p.errorf("%s: series keyed %s holds variable %s", file, common, s.Variable.Common)
	}
	if _, ok := domain.FindVariable(source.AcceptedVariables(), s.Variable.ID); !ok {
		p.errorf("%s: variable %q not accepted by %s", file, s.Variable.ID, source.Agency())
	}
	for i, r := range s.Readings {
		if r.Value != nil && s.Variable.IsMagicNull(*r.Value) {
			p.errorf("%s %s: reading %d carries the null sentinel %v", file, common, i, *r.Value)
		}
		if r.Qualifiers == domain.DatasourceDownQualifier {
			p.errorf("%s %s: placeholder reading in parsed feed", file, common)
		}
	}
}

// ── Phase 4: Provenance ──

func validateProvenance(feeds []*feed) *phase {
	p := &phase{name: "Phase 4: Provenance"}
	for _, f := range feeds {
		if f.data == nil {
			continue
		}
		if f.data.DataInfo == "" {
			p.errorf("%s: missing data info", f.file)
		}
		for common, s := range f.data.Datasets {
			if s.SourceURL == "" {
				p.errorf("%s %s: missing source url", f.file, common)
			}
		}
	}
	return p
}

// ── Phase 5: Site listings ──

func validateListings(feeds []*feed) *phase {
	p := &phase{name: "Phase 5: Site listings"}
	for _, f := range feeds {
		seen := make(map[domain.SiteID]bool, len(f.listings))
		for _, d := range f.listings {
			id := d.Site.ID
			if seen[id] {
				p.errorf("%s: site %s listed twice", f.file, id)
			}
			seen[id] = true
			if d.Site.Name == "" {
				p.errorf("%s: site %s has no name", f.file, id)
			}
			if len(d.Site.SupportedVariables) == 0 {
				p.errorf("%s: site %s has no supported variables", f.file, id)
			}
		}
	}
	return p
}
