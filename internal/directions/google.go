package directions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"crewtrack/internal/geo"
	"crewtrack/internal/logging"
	"crewtrack/internal/metrics"
)

const googleProvider = "google"

// GoogleClient calls the Google Directions web API behind a circuit breaker.
type GoogleClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[Result]
}

type GoogleOptions struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
}

func NewGoogleClient(opts GoogleOptions) *GoogleClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://maps.googleapis.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	name := "directions-" + googleProvider
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// Route-level statuses mean the provider answered; only transport and quota problems trip.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch StatusOf(err) {
			case StatusZeroResults, StatusNotFound, StatusInvalidRequest:
				return true
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
		},
	})
	return &GoogleClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    hc,
		cb:      cb,
	}
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

func (g *GoogleClient) Route(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := g.cb.Execute(func() (Result, error) { return g.fetch(ctx, req) })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &StatusError{Status: StatusUnavailable, Message: err.Error()}
	}
	metrics.DirectionsLatency.WithLabelValues(googleProvider).Observe(time.Since(start).Seconds())
	metrics.DirectionsRequests.WithLabelValues(googleProvider, StatusOf(err)).Inc()
	return res, err
}

func (g *GoogleClient) requestURL(req Request) string {
	q := url.Values{}
	q.Set("origin", latLng(req.Origin))
	q.Set("destination", latLng(req.Destination))
	if len(req.Waypoints) > 0 {
		parts := make([]string, 0, len(req.Waypoints)+1)
		if req.Optimize {
			parts = append(parts, "optimize:true")
		}
		for _, w := range req.Waypoints {
			parts = append(parts, latLng(w))
		}
		q.Set("waypoints", strings.Join(parts, "|"))
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeDriving
	}
	q.Set("mode", strings.ToLower(string(mode)))
	q.Set("key", g.apiKey)
	return g.baseURL + "/maps/api/directions/json?" + q.Encode()
}

func latLng(p geo.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Routes       []struct {
		WaypointOrder    []int `json:"waypoint_order"`
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
		Legs []struct {
			StartAddress string `json:"start_address"`
			EndAddress   string `json:"end_address"`
			EndLocation  struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"end_location"`
			Distance struct {
				Value int `json:"value"`
			} `json:"distance"`
			Duration struct {
				Value int `json:"value"`
			} `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

func (g *GoogleClient) fetch(ctx context.Context, req Request) (Result, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.requestURL(req), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := g.http.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &StatusError{Status: StatusUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, &StatusError{Status: StatusUnavailable, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}
	var body googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, &StatusError{Status: StatusUnknownError, Message: "decode: " + err.Error()}
	}
	if body.Status != StatusOK {
		return Result{}, &StatusError{Status: body.Status, Message: body.ErrorMessage}
	}
	if len(body.Routes) == 0 {
		return Result{}, &StatusError{Status: StatusZeroResults}
	}
	r := body.Routes[0]
	out := Result{Status: StatusOK, WaypointOrder: r.WaypointOrder, Polyline: r.OverviewPolyline.Points}
	for _, l := range r.Legs {
		out.Legs = append(out.Legs, Leg{
			StartAddress:    l.StartAddress,
			EndAddress:      l.EndAddress,
			EndLocation:     geo.Point{Lat: l.EndLocation.Lat, Lng: l.EndLocation.Lng},
			DistanceMeters:  l.Distance.Value,
			DurationSeconds: l.Duration.Value,
		})
	}
	if out.WaypointOrder == nil {
		out.WaypointOrder = identityOrder(len(req.Waypoints))
	}
	out.sumLegs()
	return out, nil
}

func identityOrder(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
