package usgs

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/riverflows/internal/adapter/httpcache"
	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/observability"
)

const fixtureBase = "http://nwis.test/nwis"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixtureSource(t *testing.T) *Source {
	t.Helper()
	ft := httpcache.NewFixtureTransport(fixtureBase, "testdata")
	s := New(fixtureBase, ft, discardLogger(), observability.NewMetricsForTesting())
	ft.Route(s.SiteURL("09380000", nil), "iv_09380000.rdb")
	ft.Route(s.SitesURL("co"), "site_co.rdb")
	return s
}

var lees = domain.Site{ID: domain.SiteID{Agency: Agency, ID: "09380000"}, Name: "COLORADO RIVER AT LEES FERRY, AZ"}

func TestSource_SiteURL(t *testing.T) {
	s := New(fixtureBase+"/", nil, discardLogger(), observability.NewMetricsForTesting())
	assert.Equal(t, fixtureBase+"/iv/?format=rdb&period=P7D&sites=09380000", s.SiteURL("09380000", nil))
	assert.Equal(t, fixtureBase+"/iv/?format=rdb&parameterCd=00060%2C00065&period=P7D&sites=09380000",
		s.SiteURL("09380000", []domain.Variable{Discharge, GaugeHeight}))
	assert.Contains(t, s.SitesURL(" co "), "stateCd=co")
}

func TestSource_FetchSite_Fixture(t *testing.T) {
	s := fixtureSource(t)
	data, err := s.FetchSite(context.Background(), lees, nil, false)
	require.NoError(t, err)

	assert.True(t, data.Complete)
	require.Len(t, data.Datasets, 2, "unaccepted parameters are skipped")

	flow := data.Datasets[domain.StreamflowCFS]
	require.Len(t, flow.Readings, 4, "non-numeric value skipped, blank value kept")
	assert.Equal(t, time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC), flow.Readings[0].Time.UTC())
	assert.InDelta(t, 12300.0, *flow.Readings[0].Value, 1e-9)
	assert.Equal(t, "P", flow.Readings[0].Qualifiers)
	assert.Nil(t, flow.Readings[2].Value, "null sentinel")
	assert.Nil(t, flow.Readings[3].Value, "blank value")
	assert.Equal(t, time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC), flow.Readings[3].Time.UTC())

	stage := data.Datasets[domain.GaugeHeightFT]
	require.Len(t, stage.Readings, 5)
	for i := 1; i < len(stage.Readings); i++ {
		assert.True(t, stage.Readings[i-1].Time.Before(stage.Readings[i].Time))
	}
	assert.Contains(t, data.DataInfo, "09380000")
}

func TestSource_FetchSite_MissingColumnsIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# nothing\nfoo\tbar\n5s\t5s\n"))
	}))
	defer srv.Close()

	s := New(srv.URL, httpcache.NewClient(5*time.Second, discardLogger()), discardLogger(), observability.NewMetricsForTesting())
	_, err := s.FetchSite(context.Background(), lees, nil, false)

	var pe *domain.DataParseError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "site_no")
}

func TestSource_FetchSite_EmptyBodyIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	s := New(srv.URL, httpcache.NewClient(5*time.Second, discardLogger()), discardLogger(), observability.NewMetricsForTesting())
	_, err := s.FetchSite(context.Background(), lees, nil, false)

	var pe *domain.DataParseError
	require.ErrorAs(t, err, &pe)
}

func TestSource_FetchSite_RequestedSubsetIsIncomplete(t *testing.T) {
	body, err := os.ReadFile("testdata/iv_09380000.rdb")
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "00060", r.URL.Query().Get("parameterCd"))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	s := New(srv.URL, httpcache.NewClient(5*time.Second, discardLogger()), discardLogger(), observability.NewMetricsForTesting())
	data, err := s.FetchSite(context.Background(), lees, []domain.Variable{Discharge}, false)
	require.NoError(t, err)
	assert.False(t, data.Complete)
}

func TestSource_ListSites(t *testing.T) {
	s := fixtureSource(t)
	sites, err := s.ListSites(context.Background(), "CO")
	require.NoError(t, err)
	require.Len(t, sites, 2)

	kremmling := sites[0].Site
	assert.Equal(t, domain.SiteID{Agency: Agency, ID: "09058000"}, kremmling.ID)
	assert.Equal(t, "COLORADO RIVER NEAR KREMMLING, CO", kremmling.Name)
	assert.Equal(t, domain.USState("CO"), kremmling.State)
	assert.InDelta(t, 40.03665, kremmling.Lat, 1e-9)
	assert.InDelta(t, -106.4395, kremmling.Lon, 1e-9)

	ids := make([]string, len(kremmling.SupportedVariables))
	for i, v := range kremmling.SupportedVariables {
		ids[i] = v.ID
	}
	assert.Equal(t, []string{"00060", "00065", "00010"}, ids)

	parkdale := sites[1].Site
	require.Len(t, parkdale.SupportedVariables, 1)
	assert.Equal(t, domain.GaugeHeightFT, parkdale.SupportedVariables[0].Common)
}

func TestSource_ListSites_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	s := New(srv.URL, httpcache.NewClient(time.Second, discardLogger()), discardLogger(), observability.NewMetricsForTesting())
	_, err := s.ListSites(context.Background(), "CO")
	assert.True(t, domain.IsTransport(err))
}

func TestReadRDB(t *testing.T) {
	table, err := readRDB(strings.NewReader("#c\na\tb\n5s\t5s\n1\t2\n3\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, table.header)
	require.Len(t, table.rows, 2)
	assert.Equal(t, "", field(table.rows[1], 1), "short rows read as blank")

	_, err = table.require("a", "c")
	assert.ErrorContains(t, err, `"c"`)
}

func TestSource_FetchSite_AllSupportedVariablesIsComplete(t *testing.T) {
	ft := httpcache.NewFixtureTransport(fixtureBase, "testdata")
	s := New(fixtureBase, ft, discardLogger(), observability.NewMetricsForTesting())
	site := lees
	site.SupportedVariables = []domain.Variable{Discharge, GaugeHeight}
	ft.Route(s.SiteURL(site.ID.ID, site.SupportedVariables), "iv_09380000.rdb")

	data, err := s.FetchSite(context.Background(), site, site.SupportedVariables, false)
	require.NoError(t, err)
	assert.True(t, data.Complete)

	ft.Route(s.SiteURL(site.ID.ID, []domain.Variable{Discharge}), "iv_09380000.rdb")
	data, err = s.FetchSite(context.Background(), site, []domain.Variable{Discharge}, false)
	require.NoError(t, err)
	assert.False(t, data.Complete)
}

func TestSource_FetchSite_PaddedHeaderKeepsQualifiers(t *testing.T) {
	body := "agency_cd\tsite_no\tdatetime\ttz_cd\t 69928_00060 \t69928_00060_cd\n" +
		"5s\t15s\t20d\t6s\t14n\t10s\n" +
		"USGS\t09380000\t2024-05-01 00:00\tMDT\t12300\tP\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	s := New(srv.URL, httpcache.NewClient(5*time.Second, discardLogger()), discardLogger(), observability.NewMetricsForTesting())
	data, err := s.FetchSite(context.Background(), lees, nil, false)
	require.NoError(t, err)

	flow := data.Datasets[domain.StreamflowCFS]
	require.NotNil(t, flow)
	require.Len(t, flow.Readings, 1)
	assert.Equal(t, "P", flow.Readings[0].Qualifiers)
}

func TestSource_DataInfoLinksPublicPage(t *testing.T) {
	s := fixtureSource(t)
	data, err := s.FetchSite(context.Background(), lees, nil, false)
	require.NoError(t, err)
	assert.Contains(t, data.DataInfo, `href="`+ExternalSiteURL("09380000")+`"`)
	assert.Contains(t, data.DataInfo, s.SiteURL("09380000", nil))
}
