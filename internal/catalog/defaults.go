package catalog

// SouthAfricaBBox covers mainland South Africa, Lesotho and Eswatini.
var SouthAfricaBBox = BBox{MinX: 16.3, MinY: -35.0, MaxX: 33.0, MaxY: -22.0}

// Defaults returns the built-in sources upserted by Store.Bootstrap.
// A sources file may override any entry by code.
func Defaults() []Source {
	zaf := SouthAfricaBBox
	return []Source{
		{
			Code:             "ne_admin0",
			URLOrPath:        "https://naciscdn.org/naturalearth/10m/cultural/ne_10m_admin_0_countries.zip",
			Format:           FormatZipShapefile,
			LayerCode:        "admin0_zaf",
			ClipBBox:         &zaf,
			CountryFilter:    "ZAF",
			EnabledByDefault: true,
			Description:      "Natural Earth 1:10m admin-0 countries, clipped to South Africa",
		},
		{
			Code:             "za_provinces",
			URLOrPath:        "https://github.com/wmgeolab/geoBoundaries/raw/main/releaseData/gbOpen/ZAF/ADM1/geoBoundaries-ZAF-ADM1.geojson",
			Format:           FormatGeoJSON,
			LayerCode:        "za_provinces",
			EnabledByDefault: true,
			Description:      "geoBoundaries ADM1 provinces of South Africa",
		},
		{
			Code:             "ne_populated_places",
			URLOrPath:        "https://naciscdn.org/naturalearth/10m/cultural/ne_10m_populated_places_simple.zip",
			Format:           FormatZipShapefile,
			LayerCode:        "populated_places_zaf",
			ClipBBox:         &zaf,
			CountryFilter:    "ZAF",
			EnabledByDefault: true,
			Description:      "Natural Earth populated places inside South Africa",
		},
		{
			Code:             "conflict_events",
			URLOrPath:        "https://services.arcgis.com/geosync/arcgis/rest/services/conflict_events/FeatureServer/0/query?where=1%3D1&outFields=*&f=json",
			Format:           FormatGeoJSON,
			LayerCode:        "conflict_events",
			RequiresToken:    true,
			TokenEnvVar:      "ARCGIS_API_TOKEN",
			ClipBBox:         &zaf,
			EnabledByDefault: false,
			Description:      "Token-gated ArcGIS feature service of reported conflict events",
		},
	}
}
