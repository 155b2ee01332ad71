package sources

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/signal"
)

// Place is one geocoding/places search hit.
type Place struct {
	PlaceID     string
	Name        string
	Address     string
	Lat         float64
	Lng         float64
	Rating      float64
	RatingCount int
}

// PlaceReview is one raw guest review attached to a place.
type PlaceReview struct {
	Text   string
	Rating int
	Time   time.Time
}

// PlaceDetails carries a place plus its recent reviews.
type PlaceDetails struct {
	Place
	Reviews []PlaceReview
}

// PlacesProvider is the geocoding/places collaborator boundary.
type PlacesProvider interface {
	Search(ctx context.Context, text string) ([]Place, error)
	Details(ctx context.Context, placeID string) (PlaceDetails, error)
}

// WeatherProvider returns the forecast slice for a coordinate.
type WeatherProvider interface {
	Forecast(ctx context.Context, lat, lng float64) (signal.Weather, error)
}

// EventsProvider searches venue events near a keyword within a date range.
type EventsProvider interface {
	Search(ctx context.Context, keyword string, from, to time.Time) ([]signal.VenueEvent, error)
}

// ClosuresProvider lists street closures near a coordinate.
type ClosuresProvider interface {
	Nearby(ctx context.Context, lat, lng, radiusKM float64) ([]signal.Closure, error)
}

// SchoolCalendar is the store-backed school calendar read path. The calendar
// is populated out-of-band by a bulk loader; this core only reads it.
type SchoolCalendar interface {
	DaysInRange(ctx context.Context, start, end string) ([]signal.SchoolCalendarDay, error)
}

// PlacesClient implements PlacesProvider over a Google-Places-style JSON API.
type PlacesClient struct {
	cfg  config.PlacesConfig
	http *HTTPClient
}

func NewPlacesClient(cfg config.PlacesConfig, http *HTTPClient) *PlacesClient {
	return &PlacesClient{cfg: cfg, http: http}
}

func (p *PlacesClient) endpoint() string {
	if p.cfg.Endpoint != "" {
		return p.cfg.Endpoint
	}
	return "https://maps.googleapis.com/maps/api/place"
}

func (p *PlacesClient) Search(ctx context.Context, text string) ([]Place, error) {
	var resp struct {
		Results []struct {
			PlaceID          string `json:"place_id"`
			Name             string `json:"name"`
			FormattedAddress string `json:"formatted_address"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
			Rating           float64 `json:"rating"`
			UserRatingsTotal int     `json:"user_ratings_total"`
		} `json:"results"`
		Status string `json:"status"`
	}
	u := fmt.Sprintf("%s/textsearch/json?query=%s&key=%s", p.endpoint(), url.QueryEscape(text), p.cfg.APIKey)
	if err := p.http.DoJSON(ctx, "GET", u, nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "" && resp.Status != "OK" && resp.Status != "ZERO_RESULTS" {
		return nil, fmt.Errorf("places search status %s", resp.Status)
	}
	out := make([]Place, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Place{
			PlaceID:     r.PlaceID,
			Name:        r.Name,
			Address:     r.FormattedAddress,
			Lat:         r.Geometry.Location.Lat,
			Lng:         r.Geometry.Location.Lng,
			Rating:      r.Rating,
			RatingCount: r.UserRatingsTotal,
		})
	}
	return out, nil
}

func (p *PlacesClient) Details(ctx context.Context, placeID string) (PlaceDetails, error) {
	var resp struct {
		Result struct {
			PlaceID          string `json:"place_id"`
			Name             string `json:"name"`
			FormattedAddress string `json:"formatted_address"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
			Rating           float64 `json:"rating"`
			UserRatingsTotal int     `json:"user_ratings_total"`
			Reviews          []struct {
				Text   string `json:"text"`
				Rating int    `json:"rating"`
				Time   int64  `json:"time"`
			} `json:"reviews"`
		} `json:"result"`
		Status string `json:"status"`
	}
	u := fmt.Sprintf("%s/details/json?place_id=%s&fields=place_id,name,formatted_address,geometry,rating,user_ratings_total,reviews&key=%s",
		p.endpoint(), url.QueryEscape(placeID), p.cfg.APIKey)
	if err := p.http.DoJSON(ctx, "GET", u, nil, nil, &resp); err != nil {
		return PlaceDetails{}, err
	}
	if resp.Status != "" && resp.Status != "OK" {
		return PlaceDetails{}, fmt.Errorf("places details status %s", resp.Status)
	}
	d := PlaceDetails{Place: Place{
		PlaceID:     resp.Result.PlaceID,
		Name:        resp.Result.Name,
		Address:     resp.Result.FormattedAddress,
		Lat:         resp.Result.Geometry.Location.Lat,
		Lng:         resp.Result.Geometry.Location.Lng,
		Rating:      resp.Result.Rating,
		RatingCount: resp.Result.UserRatingsTotal,
	}}
	for _, r := range resp.Result.Reviews {
		d.Reviews = append(d.Reviews, PlaceReview{Text: r.Text, Rating: r.Rating, Time: time.Unix(r.Time, 0).UTC()})
	}
	return d, nil
}

// WeatherClient implements WeatherProvider over an Open-Meteo-style API.
type WeatherClient struct {
	cfg  config.WeatherConfig
	http *HTTPClient
}

func NewWeatherClient(cfg config.WeatherConfig, http *HTTPClient) *WeatherClient {
	return &WeatherClient{cfg: cfg, http: http}
}

func (w *WeatherClient) Forecast(ctx context.Context, lat, lng float64) (signal.Weather, error) {
	endpoint := w.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.open-meteo.com/v1/forecast"
	}
	var resp struct {
		Daily struct {
			PrecipProbabilityMax []float64 `json:"precipitation_probability_max"`
			FeelsLikeMax         []float64 `json:"apparent_temperature_max"`
			WindGustsMax         []float64 `json:"wind_gusts_10m_max"`
		} `json:"daily"`
	}
	u := fmt.Sprintf("%s?latitude=%.5f&longitude=%.5f&daily=precipitation_probability_max,apparent_temperature_max,wind_gusts_10m_max&forecast_days=1&timezone=America%%2FNew_York", endpoint, lat, lng)
	if err := w.http.DoJSON(ctx, "GET", u, nil, nil, &resp); err != nil {
		return signal.Weather{}, err
	}
	out := signal.Weather{ObservedAt: time.Now().UTC()}
	if len(resp.Daily.PrecipProbabilityMax) > 0 {
		out.PrecipProbability = resp.Daily.PrecipProbabilityMax[0] / 100.0
	}
	if len(resp.Daily.FeelsLikeMax) > 0 {
		out.FeelsLikeC = resp.Daily.FeelsLikeMax[0]
	}
	if len(resp.Daily.WindGustsMax) > 0 {
		out.WindGustKPH = resp.Daily.WindGustsMax[0]
	}
	return out, nil
}

// EventsClient implements EventsProvider over a Ticketmaster-style API.
type EventsClient struct {
	cfg  config.EventsConfig
	http *HTTPClient
}

func NewEventsClient(cfg config.EventsConfig, http *HTTPClient) *EventsClient {
	return &EventsClient{cfg: cfg, http: http}
}

func (e *EventsClient) Search(ctx context.Context, keyword string, from, to time.Time) ([]signal.VenueEvent, error) {
	endpoint := e.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://app.ticketmaster.com/discovery/v2/events.json"
	}
	var resp struct {
		Embedded struct {
			Events []struct {
				Name  string `json:"name"`
				Dates struct {
					Start struct {
						DateTime string `json:"dateTime"`
					} `json:"start"`
				} `json:"dates"`
				Venues []struct {
					Name     string `json:"name"`
					Distance string `json:"distance"`
				} `json:"_embedded,omitempty"`
			} `json:"events"`
		} `json:"_embedded"`
	}
	u := fmt.Sprintf("%s?keyword=%s&startDateTime=%s&endDateTime=%s&size=%d&apikey=%s",
		endpoint, url.QueryEscape(keyword),
		from.UTC().Format("2006-01-02T15:04:05Z"), to.UTC().Format("2006-01-02T15:04:05Z"),
		e.cfg.MaxResults, e.cfg.APIKey)
	if err := e.http.DoJSON(ctx, "GET", u, nil, nil, &resp); err != nil {
		return nil, err
	}
	var out []signal.VenueEvent
	for _, ev := range resp.Embedded.Events {
		start, err := time.Parse(time.RFC3339, ev.Dates.Start.DateTime)
		if err != nil {
			continue
		}
		ve := signal.VenueEvent{Title: ev.Name, Start: start}
		if len(ev.Venues) > 0 {
			ve.Venue = ev.Venues[0].Name
		}
		out = append(out, ve)
	}
	return out, nil
}

// ClosuresClient implements ClosuresProvider over a 511NY-style API.
type ClosuresClient struct {
	cfg  config.ClosuresConfig
	http *HTTPClient
}

func NewClosuresClient(cfg config.ClosuresConfig, http *HTTPClient) *ClosuresClient {
	return &ClosuresClient{cfg: cfg, http: http}
}

func (c *ClosuresClient) Nearby(ctx context.Context, lat, lng, radiusKM float64) ([]signal.Closure, error) {
	endpoint := c.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://511ny.org/api/getevents"
	}
	var resp []struct {
		RoadwayName string  `json:"RoadwayName"`
		EventType   string  `json:"EventType"`
		Description string  `json:"Description"`
		Latitude    float64 `json:"Latitude"`
		Longitude   float64 `json:"Longitude"`
		StartDate   string  `json:"StartDate"`
		PlannedEnd  string  `json:"PlannedEndDate"`
	}
	u := fmt.Sprintf("%s?lat=%.5f&lng=%.5f&radius=%.2f&format=json", endpoint, lat, lng, radiusKM)
	if err := c.http.DoJSON(ctx, "GET", u, nil, nil, &resp); err != nil {
		return nil, err
	}
	var out []signal.Closure
	for _, ev := range resp {
		cl := signal.Closure{Street: ev.RoadwayName, Reason: ev.EventType, DistanceKM: haversineKM(lat, lng, ev.Latitude, ev.Longitude)}
		if t, err := time.Parse(time.RFC3339, ev.StartDate); err == nil {
			cl.Start = &t
		}
		if t, err := time.Parse(time.RFC3339, ev.PlannedEnd); err == nil {
			cl.End = &t
		}
		if cl.DistanceKM <= radiusKM {
			out = append(out, cl)
		}
	}
	return out, nil
}
