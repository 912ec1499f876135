package ahps

import (
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/couchcryptid/riverflows/internal/domain"
)

// Element and attribute names in a hydrograph document.
const (
	elDisclaimers = "disclaimers"
	elStanding    = "standing"
	elObserved    = "observed"
	elForecast    = "forecast"
	elDatum       = "datum"
	elValid       = "valid"
	elPrimary     = "primary"
	elSecondary   = "secondary"
	elPedts       = "pedts"

	attrTimezone = "timezone"
	attrName     = "name"
	attrUnits    = "units"
)

const (
	validLayout = "2006-01-02T15:04:05"
	unitsKCFS   = "kcfs"
)

type mode uint8

const (
	modeIdle mode = iota
	modeObserved
	modeForecast
	modeDisclaimer
)

func (m mode) String() string {
	switch m {
	case modeObserved:
		return elObserved
	case modeForecast:
		return elForecast
	case modeDisclaimer:
		return elDisclaimers
	default:
		return "idle"
	}
}

// pendingReading is one half of a datum under construction.
type pendingReading struct {
	variable string
	units    string
	reading  domain.Reading
	raw      float64
	invalid  bool
}

// parser is one parse session over a hydrograph document. It is driven by
// start, chars and end calls, one per XML event, so a session can be
// exercised without a stream.
type parser struct {
	site      domain.Site
	sourceURL string
	variables []domain.Variable
	logger    *slog.Logger

	mode    mode
	inDatum bool
	element string
	text    strings.Builder
	loc     *time.Location

	// Current datum. discard is set when its date fails to parse.
	primary   pendingReading
	secondary pendingReading
	dated     bool
	discard   bool

	// Observed readings arrive newest first and are held here until the
	// observed section closes.
	observed map[domain.CommonVariable][]domain.Reading

	standing    string
	hasStanding bool

	data *domain.SiteData
}

func newParser(site domain.Site, sourceURL string, variables []domain.Variable, logger *slog.Logger) *parser {
	return &parser{
		site:      site,
		sourceURL: sourceURL,
		variables: variables,
		logger:    logger,
		loc:       time.UTC,
		observed:  make(map[domain.CommonVariable][]domain.Reading),
		data:      domain.NewSiteData(site),
	}
}

// parse feeds every token of r through the state machine. Read failures are
// returned as they are so the caller can tell transport errors apart.
func (p *parser) parse(r io.Reader) error {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			p.start(t.Name.Local, t.Attr)
		case xml.EndElement:
			p.end(t.Name.Local)
		case xml.CharData:
			p.chars(string(t))
		}
	}
}

func (p *parser) start(name string, attrs []xml.Attr) {
	p.element = name
	p.text.Reset()

	if p.mode == modeIdle {
		switch name {
		case elObserved:
			p.mode = modeObserved
		case elForecast:
			p.mode = modeForecast
		case elDisclaimers:
			p.mode = modeDisclaimer
		}
		return
	}
	if p.mode == modeDisclaimer {
		return
	}

	switch name {
	case elDatum:
		kind := domain.Observed
		if p.mode == modeForecast {
			kind = domain.Forecast
		}
		p.inDatum = true
		p.dated = false
		p.discard = false
		p.primary = pendingReading{reading: domain.Reading{Kind: kind}}
		p.secondary = pendingReading{reading: domain.Reading{Kind: kind}}
	case elValid:
		tz := attr(attrs, attrTimezone)
		if loc, ok := domain.LookupUSTimeZone(tz); ok {
			p.loc = loc
		} else {
			p.logger.Warn("unknown timezone, keeping previous", "timezone", tz, "site", p.site.ID.String())
		}
	case elPrimary:
		p.primary.variable = attr(attrs, attrName)
		p.primary.units = attr(attrs, attrUnits)
	case elSecondary:
		p.secondary.variable = attr(attrs, attrName)
		p.secondary.units = attr(attrs, attrUnits)
	}
}

func (p *parser) chars(s string) {
	if p.inDatum || (p.mode == modeDisclaimer && p.element == elStanding) {
		p.text.WriteString(s)
	}
}

func (p *parser) end(name string) {
	raw := p.text.String()
	text := strings.TrimSpace(raw)
	p.text.Reset()
	p.element = ""

	switch p.mode {
	case modeIdle:
		return
	case modeDisclaimer:
		switch name {
		case elStanding:
			p.standing = raw
			p.hasStanding = true
		case elDisclaimers:
			p.data.DataInfo = dataInfo(p.site, p.sourceURL, p.standing, p.hasStanding)
			p.mode = modeIdle
		}
		return
	}

	if p.inDatum {
		switch name {
		case elValid:
			p.setTime(text)
		case elPrimary:
			p.setValue(&p.primary, text)
		case elSecondary:
			p.setValue(&p.secondary, text)
		case elPedts:
			p.primary.reading.Qualifiers = text
			p.secondary.reading.Qualifiers = text
		case elDatum:
			p.commitDatum()
		}
		return
	}

	switch {
	case name == elObserved && p.mode == modeObserved:
		p.closeObserved()
		p.mode = modeIdle
	case name == elForecast && p.mode == modeForecast:
		p.mode = modeIdle
	}
}

func (p *parser) setTime(text string) {
	if len(text) < len(validLayout) {
		p.logger.Warn("could not parse date, discarding datum", "value", text, "site", p.site.ID.String())
		p.discard = true
		return
	}
	t, err := time.ParseInLocation(validLayout, text[:len(validLayout)], p.loc)
	if err != nil {
		p.logger.Warn("could not parse date, discarding datum", "value", text, "error", err, "site", p.site.ID.String())
		p.discard = true
		return
	}
	p.primary.reading.Time = t
	p.secondary.reading.Time = t
	p.dated = true
}

func (p *parser) setValue(r *pendingReading, text string) {
	if text == "" {
		return
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		p.logger.Warn("skipping reading", "error", &domain.ValueFormatError{Value: text, Err: err}, "site", p.site.ID.String())
		r.invalid = true
		return
	}
	r.raw = v
	if r.units == unitsKCFS {
		v *= 1000
	}
	r.reading.Value = &v
}

func (p *parser) commitDatum() {
	p.inDatum = false
	if p.discard {
		return
	}
	if !p.dated {
		p.logger.Warn("datum has no date, discarding", "site", p.site.ID.String())
		return
	}
	p.commit(p.primary)
	p.commit(p.secondary)
}

func (p *parser) commit(r pendingReading) {
	if r.invalid || r.variable == "" {
		return
	}
	v, ok := domain.FindVariable(p.variables, r.variable)
	if !ok {
		p.logger.Warn("skipping reading", "error", fmt.Errorf("%w: %q", domain.ErrUnknownVariable, r.variable), "site", p.site.ID.String())
		return
	}

	// The sentinel may appear before or after kcfs scaling.
	reading := r.reading
	if reading.Value != nil && (v.IsMagicNull(r.raw) || v.IsMagicNull(*reading.Value)) {
		reading.Value = nil
	}

	if p.mode == modeObserved {
		p.series(v)
		p.observed[v.Common] = append(p.observed[v.Common], reading)
		return
	}
	s := p.series(v)
	s.Readings = append(s.Readings, reading)
}

// series returns the series for v, creating it on first use.
func (p *parser) series(v domain.Variable) *domain.Series {
	s, ok := p.data.Datasets[v.Common]
	if !ok {
		s = &domain.Series{Variable: v, SourceURL: p.sourceURL}
		p.data.Datasets[v.Common] = s
	}
	return s
}

func (p *parser) closeObserved() {
	for common, readings := range p.observed {
		slices.Reverse(readings)
		s := p.data.Datasets[common]
		s.Readings = append(s.Readings, readings...)
	}
	clear(p.observed)
}

// result finishes the session: every series is put in ascending order and
// provenance is filled in when the document had no disclaimers.
func (p *parser) result() *domain.SiteData {
	if p.data.DataInfo == "" && len(p.data.Datasets) > 0 {
		p.data.DataInfo = dataInfo(p.site, p.sourceURL, "", false)
	}
	p.data.Normalize()
	return p.data
}

func attr(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// dataInfo renders the provenance snippet shown alongside the site's data.
func dataInfo(site domain.Site, sourceURL, standing string, hasStanding bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<h2> <a href="%s">%s (%s)</a></h2>`,
		html.EscapeString(ExternalSiteURL(site.ID.ID)), html.EscapeString(site.Name), html.EscapeString(site.ID.ID))
	fmt.Fprintf(&b, `<h4>Source: <a href="https://water.weather.gov/ahps/">NOAA Advanced Hydrologic Prediction Service</a> (<a href="%s">raw data</a>)</h4>`,
		html.EscapeString(sourceURL))
	fmt.Fprintf(&b, `<p><img src="%s" alt="Hydrograph"></p>`, html.EscapeString(ExternalGraphURL(site.ID.ID)))
	if hasStanding {
		fmt.Fprintf(&b, "<p><b>%s</b></p>", standing)
	}
	return b.String()
}
