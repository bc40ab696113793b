package domain

import (
	"context"
	"log/slog"
)

// GeocodingResult is the place a provider found near a coordinate. An empty
// FormattedAddress means nothing was found.
type GeocodingResult struct {
	Lat              float64
	Lon              float64
	FormattedAddress string
	PlaceName        string
	Confidence       float64
}

// Geocoder resolves a genesis position to a place name.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (GeocodingResult, error)
}

// Genesis annotation sources recorded in Track.GeoSource.
const (
	GeoSourceReverse = "reverse"
	GeoSourceNone    = "none"
	GeoSourceFailed  = "failed"
)

// AnnotateGenesis reverse geocodes the first point of each track. If geocoder
// is nil the tracks are returned untouched; failures only mark GeoSource.
func AnnotateGenesis(ctx context.Context, tracks []Track, geocoder Geocoder, logger *slog.Logger) []Track {
	if geocoder == nil {
		return tracks
	}
	for i := range tracks {
		if len(tracks[i].Points) == 0 {
			continue
		}
		p := tracks[i].Points[0]
		result, err := geocoder.ReverseGeocode(ctx, p.Lat, LonTo180(p.Lon))
		if err != nil {
			logger.Warn("genesis geocoding failed",
				"track_id", tracks[i].ID,
				"lat", p.Lat,
				"lon", p.Lon,
				"error", err,
			)
			tracks[i].GeoSource = GeoSourceFailed
			continue
		}
		if result.FormattedAddress == "" {
			tracks[i].GeoSource = GeoSourceNone
			continue
		}
		tracks[i].GenesisPlace = result.FormattedAddress
		tracks[i].GeoSource = GeoSourceReverse
	}
	return tracks
}

// LonTo180 maps a longitude in degrees east to [-180, 180).
func LonTo180(lon float64) float64 {
	for lon >= 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
