package domain

import "time"

// Favorite is a user-selected (site, variable) pairing to monitor.
type Favorite struct {
	ID   int64 `json:"id"`
	Site Site  `json:"site"`

	// VariableID is the agency-native variable id. Empty for legacy records
	// created before favorites carried a variable.
	VariableID string `json:"variable_id,omitempty"`

	// Name overrides the site name for display when set.
	Name      string    `json:"name,omitempty"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"created_at"`
}

// HasVariable reports whether the favorite has a variable assigned.
func (f Favorite) HasVariable() bool {
	return f.VariableID != ""
}

// FavoriteData joins a favorite with the data fetched for its site. It is
// rebuilt on every fetch cycle and never persisted.
type FavoriteData struct {
	Favorite Favorite  `json:"favorite"`
	SiteData *SiteData `json:"site_data"`
	Variable Variable  `json:"variable"`
}

// Series returns the dataset for the favorite's variable, or nil.
func (fd FavoriteData) Series() *Series {
	return fd.SiteData.Series(fd.Variable.Common)
}
