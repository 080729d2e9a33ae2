// Package geocoder resolves coordinates to country names through a
// GeoNames-style API, with an indefinite cache keyed by rounded coordinates.
package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/VertNet/usagestats/metrics"
)

// Unknown is returned for invalid coordinates and failed lookups.
const Unknown = "Unknown"

// Cache stores resolved countries keyed by rounded coordinates.
// First writer wins; entries are never invalidated.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, country string) error
}

type Geocoder struct {
	baseURL  string
	username string
	cache    Cache
	client   *http.Client
}

func New(baseURL, username string, cache Cache) *Geocoder {
	return &Geocoder{
		baseURL:  baseURL,
		username: username,
		cache:    cache,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CacheKey rounds coordinates to 2 decimal places and joins them, so nearby
// lookups share one cache entry.
func CacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.2f|%.2f", lat, lon)
}

// ValidCoordinates reports whether a lookup should be attempted at all.
// (0,0) is the null island sentinel used by the log tables for "no location".
func ValidCoordinates(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat > 90 || lat < -90 || lon > 180 || lon < -180 {
		return false
	}
	return true
}

// Country resolves coordinates to a country name. Invalid coordinates
// short-circuit to Unknown without touching the cache or the API.
func (g *Geocoder) Country(ctx context.Context, lat, lon float64) string {
	if !ValidCoordinates(lat, lon) {
		metrics.GeocodeLookups.WithLabelValues("invalid").Inc()
		return Unknown
	}

	key := CacheKey(lat, lon)
	if country, ok, err := g.cache.Get(ctx, key); err == nil && ok {
		metrics.GeocodeLookups.WithLabelValues("cached").Inc()
		return country
	}

	country, err := g.lookup(ctx, lat, lon)
	if err != nil {
		log.Printf("Geocoding lookup failed for (%f, %f): %v", lat, lon, err)
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		return Unknown
	}
	metrics.GeocodeLookups.WithLabelValues("api").Inc()

	if err := g.cache.Put(ctx, key, country); err != nil {
		log.Printf("Failed to cache geocoding result for %s: %v", key, err)
	}

	return country
}

func (g *Geocoder) lookup(ctx context.Context, lat, lon float64) (string, error) {
	params := url.Values{}
	params.Set("formatted", "true")
	params.Set("lat", fmt.Sprintf("%f", lat))
	params.Set("lng", fmt.Sprintf("%f", lon))
	params.Set("username", g.username)
	params.Set("style", "full")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	var result struct {
		CountryName string `json:"countryName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.CountryName == "" {
		return Unknown, nil
	}

	return result.CountryName, nil
}
