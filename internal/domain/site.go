package domain

import (
	"fmt"
	"strings"
)

// SiteID identifies a measuring site. Equality is the agency+id pair, so it
// can be used directly as a map key.
type SiteID struct {
	Agency string `json:"agency"`
	ID     string `json:"id"`
}

func (s SiteID) String() string {
	return s.Agency + "/" + s.ID
}

// ParseSiteID parses the "agency/id" form produced by String.
func ParseSiteID(s string) (SiteID, error) {
	agency, id, ok := strings.Cut(s, "/")
	if !ok || agency == "" || id == "" {
		return SiteID{}, fmt.Errorf("invalid site id %q", s)
	}
	return SiteID{Agency: agency, ID: id}, nil
}

// USState is a two-letter postal code, e.g. "CO".
type USState string

// Normalize upper-cases and trims the code.
func (s USState) Normalize() USState {
	return USState(strings.ToUpper(strings.TrimSpace(string(s))))
}

// Site is a measuring site and the variables it reports.
type Site struct {
	ID                 SiteID     `json:"site_id"`
	Name               string     `json:"name"`
	Lat                float64    `json:"lat,omitempty"`
	Lon                float64    `json:"lon,omitempty"`
	State              USState    `json:"state,omitempty"`
	SupportedVariables []Variable `json:"supported_variables,omitempty"`
}
