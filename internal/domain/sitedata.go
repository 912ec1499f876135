package domain

import "maps"

// DatasourceDownQualifier marks the synthetic reading of placeholder data.
const DatasourceDownQualifier = "Datasource Down"

// SiteData is a site together with the series fetched for it.
type SiteData struct {
	Site     Site                        `json:"site"`
	Datasets map[CommonVariable]*Series `json:"datasets"`

	// DataInfo is an HTML provenance/disclaimer snippet.
	DataInfo string `json:"data_info,omitempty"`

	// Complete is true when every variable the site supports was fetched.
	Complete bool `json:"complete"`
}

// NewSiteData returns an empty SiteData for site.
func NewSiteData(site Site) *SiteData {
	return &SiteData{
		Site:     site,
		Datasets: make(map[CommonVariable]*Series),
	}
}

// Series returns the dataset for v, or nil.
func (d *SiteData) Series(v CommonVariable) *Series {
	if d == nil {
		return nil
	}
	return d.Datasets[v]
}

// Normalize orders every series ascending and drops duplicate timestamps.
func (d *SiteData) Normalize() {
	for _, s := range d.Datasets {
		s.Normalize()
	}
}

// Clone returns a copy whose site and dataset map can be modified without
// affecting d. Series are shared.
func (d *SiteData) Clone() *SiteData {
	if d == nil {
		return nil
	}
	c := *d
	c.Site.SupportedVariables = append([]Variable(nil), d.Site.SupportedVariables...)
	c.Datasets = maps.Clone(d.Datasets)
	if c.Datasets == nil {
		c.Datasets = make(map[CommonVariable]*Series)
	}
	return &c
}

// DatasourceDownData builds the placeholder used when a site's feed could not
// be fetched or decoded: one series for variable holding a single reading
// dated now, with no value and the "Datasource Down" qualifier.
func DatasourceDownData(site Site, variable Variable) *SiteData {
	data := NewSiteData(site)
	data.Datasets[variable.Common] = &Series{
		Variable: variable,
		Readings: []Reading{{
			Time:       clock.Now(),
			Qualifiers: DatasourceDownQualifier,
		}},
	}
	return data
}

// IsPlaceholder reports whether d was built by DatasourceDownData.
func (d *SiteData) IsPlaceholder() bool {
	if d == nil || len(d.Datasets) != 1 {
		return false
	}
	for _, s := range d.Datasets {
		return len(s.Readings) == 1 && s.Readings[0].Value == nil &&
			s.Readings[0].Qualifiers == DatasourceDownQualifier
	}
	return false
}
