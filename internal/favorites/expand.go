package favorites

import "github.com/couchcryptid/riverflows/internal/domain"

// Expand turns fetched favorites into display records holding one series
// each. A favorite's custom name replaces the site name. Inputs are not
// modified.
func Expand(items []domain.FavoriteData) []domain.FavoriteData {
	out := make([]domain.FavoriteData, len(items))
	for i, item := range items {
		data := item.SiteData.Clone()
		if data == nil {
			data = domain.NewSiteData(item.Favorite.Site)
		}
		if item.Favorite.Name != "" {
			data.Site.Name = item.Favorite.Name
		}
		if len(data.Datasets) > 1 {
			series := data.Datasets[item.Variable.Common]
			data.Datasets = make(map[domain.CommonVariable]*domain.Series, 1)
			if series != nil {
				data.Datasets[item.Variable.Common] = series
			}
		}
		item.SiteData = data
		out[i] = item
	}
	return out
}
