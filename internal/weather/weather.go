// Package weather fetches current conditions and today's forecast from
// WeatherAPI.com.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/rafi-assistant/internal/httpkit"
)

// DefaultBaseURL is the WeatherAPI.com v1 endpoint.
const DefaultBaseURL = "https://api.weatherapi.com/v1"

// ErrNoLocation is returned when the lookup has no location.
var ErrNoLocation = errors.New("no location provided")

// Report is a condensed forecast for one place.
type Report struct {
	City         string  `json:"city"`
	Region       string  `json:"region,omitempty"`
	Condition    string  `json:"condition"`
	TempF        float64 `json:"temp_f"`
	TempC        float64 `json:"temp_c"`
	FeelsLikeF   float64 `json:"feels_like_f"`
	Humidity     int     `json:"humidity"`
	WindMPH      float64 `json:"wind_mph"`
	WindDir      string  `json:"wind_dir,omitempty"`
	HighF        float64 `json:"high_f"`
	LowF         float64 `json:"low_f"`
	ChanceOfRain int     `json:"chance_of_rain"`
}

// String renders the report as a short chat message.
func (r *Report) String() string {
	var b strings.Builder
	b.WriteString("Weather for " + r.City)
	if r.Region != "" {
		b.WriteString(", " + r.Region)
	}
	fmt.Fprintf(&b, ":\nCurrently: %s, %.0fF (%.0fC)\n", r.Condition, r.TempF, r.TempC)
	fmt.Fprintf(&b, "Feels like: %.0fF\n", r.FeelsLikeF)
	fmt.Fprintf(&b, "High: %.0fF / Low: %.0fF\n", r.HighF, r.LowF)
	fmt.Fprintf(&b, "Humidity: %d%%\n", r.Humidity)
	fmt.Fprintf(&b, "Wind: %.0f mph %s\n", r.WindMPH, r.WindDir)
	fmt.Fprintf(&b, "Chance of rain: %d%%", r.ChanceOfRain)
	return b.String()
}

// Client calls the forecast endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(apiKey, baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(10*time.Second), httpkit.WithRetry(1, time.Second)),
		logger:     logger.With("component", "weather"),
	}
}

// Close releases pooled connections.
func (c *Client) Close() error {
	httpkit.CloseIdle(c.httpClient)
	return nil
}

type forecastResponse struct {
	Location struct {
		Name   string `json:"name"`
		Region string `json:"region"`
	} `json:"location"`
	Current struct {
		TempF     float64 `json:"temp_f"`
		TempC     float64 `json:"temp_c"`
		FeelsF    float64 `json:"feelslike_f"`
		Humidity  int     `json:"humidity"`
		WindMPH   float64 `json:"wind_mph"`
		WindDir   string  `json:"wind_dir"`
		Condition struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
	Forecast struct {
		Days []struct {
			Day struct {
				MaxF         float64 `json:"maxtemp_f"`
				MinF         float64 `json:"mintemp_f"`
				ChanceOfRain int     `json:"daily_chance_of_rain"`
			} `json:"day"`
		} `json:"forecastday"`
	} `json:"forecast"`
}

// Forecast looks up location, which may be a city, postcode or
// "lat,lon".
func (c *Client) Forecast(ctx context.Context, location string) (*Report, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, ErrNoLocation
	}

	q := url.Values{
		"key":    {c.apiKey},
		"q":      {location},
		"days":   {"1"},
		"aqi":    {"no"},
		"alerts": {"no"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/forecast.json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", stripURL(err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", stripURL(err))
	}
	if resp.StatusCode != http.StatusOK {
		se := httpkit.NewStatusError("weather", resp)
		c.logger.WarnContext(ctx, "forecast lookup failed", "location", location, "status", se.StatusCode)
		return nil, se
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var fr forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}

	r := &Report{
		City:       fr.Location.Name,
		Region:     fr.Location.Region,
		Condition:  fr.Current.Condition.Text,
		TempF:      fr.Current.TempF,
		TempC:      fr.Current.TempC,
		FeelsLikeF: fr.Current.FeelsF,
		Humidity:   fr.Current.Humidity,
		WindMPH:    fr.Current.WindMPH,
		WindDir:    fr.Current.WindDir,
	}
	if r.City == "" {
		r.City = location
	}
	if r.Condition == "" {
		r.Condition = "Unknown"
	}
	if len(fr.Forecast.Days) > 0 {
		d := fr.Forecast.Days[0].Day
		r.HighF, r.LowF, r.ChanceOfRain = d.MaxF, d.MinF, d.ChanceOfRain
	}

	c.logger.DebugContext(ctx, "forecast retrieved", "city", r.City)
	return r, nil
}

// Summary returns the forecast as a chat message.
func (c *Client) Summary(ctx context.Context, location string) (string, error) {
	r, err := c.Forecast(ctx, location)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// stripURL drops the request URL, which carries the API key, from
// transport errors.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
