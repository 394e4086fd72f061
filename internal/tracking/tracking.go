// Package tracking runs a crew member's live assignment view: it persists
// position samples, keeps the enrichment session current and refetches the
// assignment list whenever it changes.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crewtrack/internal/directions"
	"crewtrack/internal/enrich"
	"crewtrack/internal/geo"
	"crewtrack/internal/logging"
	"crewtrack/internal/metrics"
	"crewtrack/internal/model"
	"crewtrack/internal/realtime"
	"crewtrack/internal/store"
)

// ErrThrottled is returned by Ingest when a member sends samples faster than allowed.
var ErrThrottled = errors.New("position throttled")

type Service struct {
	store      store.Store
	realtime   *realtime.Manager
	directions directions.Service

	interval time.Duration
	burst    int
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewService(st store.Store, rt *realtime.Manager, dirs directions.Service, interval time.Duration, burst int) *Service {
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		store:      st,
		realtime:   rt,
		directions: dirs,
		interval:   interval,
		burst:      burst,
		now:        time.Now,
		limiters:   map[string]*rate.Limiter{},
	}
}

func (s *Service) limiter(memberID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.limiters[memberID]
	if l == nil {
		limit := rate.Inf
		if s.interval > 0 {
			limit = rate.Every(s.interval)
		}
		l = rate.NewLimiter(limit, s.burst)
		s.limiters[memberID] = l
	}
	return l
}

// Ingest persists a position sample unless the member is over its sample rate.
func (s *Service) Ingest(ctx context.Context, memberID string, p geo.Point) (model.CrewLocation, error) {
	if !s.limiter(memberID).Allow() {
		metrics.PositionsIngested.WithLabelValues("throttled").Inc()
		return model.CrewLocation{}, ErrThrottled
	}
	return s.Record(ctx, memberID, p)
}

// Record persists a position sample without throttling.
func (s *Service) Record(ctx context.Context, memberID string, p geo.Point) (model.CrewLocation, error) {
	loc, err := s.store.InsertPosition(ctx, memberID, p.Lat, p.Lng, s.now())
	if err != nil {
		metrics.PositionsIngested.WithLabelValues("rejected").Inc()
		return model.CrewLocation{}, err
	}
	metrics.PositionsIngested.WithLabelValues("stored").Inc()
	return loc, nil
}

// Live is one open assignment view. All of its work stops when the context
// given to Start is cancelled.
type Live struct {
	svc      *Service
	memberID string
	sess     *enrich.Session
	ctx      context.Context

	out     chan enrich.Snapshot
	refetch chan struct{}
	emitMu  sync.Mutex
	wg      sync.WaitGroup
}

// Start loads the member's active assignments and subscribes to their changes.
func (s *Service) Start(ctx context.Context, memberID string) (*Live, error) {
	l := &Live{
		svc:      s,
		memberID: memberID,
		sess:     enrich.NewSession(),
		ctx:      ctx,
		out:      make(chan enrich.Snapshot, 1),
		refetch:  make(chan struct{}, 1),
	}
	locs, err := s.store.ListActiveAssignments(ctx, memberID)
	if err != nil {
		return nil, err
	}
	l.sess.SetLocations(locs)

	filter := realtime.Filter{Column: "crew_member_id", Value: memberID}
	unsub := s.realtime.Subscribe(ctx, model.TableAssignments, filter, func(realtime.Change) {
		select {
		case l.refetch <- struct{}{}:
		default:
		}
	})

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer unsub()
		l.loop()
	}()
	l.emit()
	return l, nil
}

func (l *Live) loop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.refetch:
			l.reload()
		}
	}
}

func (l *Live) reload() {
	locs, err := l.svc.store.ListActiveAssignments(l.ctx, l.memberID)
	if err != nil {
		if l.ctx.Err() == nil {
			logging.Ctx(l.ctx).Warn().Err(err).Str("crew_member_id", l.memberID).Msg("refetch assignments")
		}
		return
	}
	if l.ctx.Err() != nil {
		return
	}
	l.sess.SetLocations(locs)
	l.sess.ResetRoute()
	l.emit()
	l.routeAsync()
}

// Updates delivers the latest snapshot after every state change. Only the
// newest undelivered snapshot is kept.
func (l *Live) Updates() <-chan enrich.Snapshot { return l.out }

func (l *Live) emit() {
	if l.ctx.Err() != nil {
		return
	}
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	snap := l.sess.Snapshot()
	select {
	case <-l.out:
	default:
	}
	l.out <- snap
}

// Position applies a fresh fix, persists it (subject to throttling) and
// computes the route if none is computed yet.
func (l *Live) Position(p geo.Point) {
	l.sess.ApplyPosition(p)
	if _, err := l.svc.Ingest(l.ctx, l.memberID, p); err != nil && !errors.Is(err, ErrThrottled) && l.ctx.Err() == nil {
		logging.Ctx(l.ctx).Warn().Err(err).Str("crew_member_id", l.memberID).Msg("store position")
	}
	l.emit()
	l.routeAsync()
}

func (l *Live) GeolocationFailed(reason string) {
	l.sess.GeolocationFailed(reason)
	l.emit()
}

func (l *Live) GeolocationUnsupported() {
	l.sess.GeolocationUnsupported()
	l.emit()
}

// RecomputeRoute clears the computed flag and requests a new route.
func (l *Live) RecomputeRoute() {
	l.sess.ResetRoute()
	l.routeAsync()
}

func (l *Live) routeAsync() {
	if l.ctx.Err() != nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		called, err := l.sess.ComputeRoute(l.ctx, l.svc.directions)
		if err != nil && l.ctx.Err() == nil {
			logging.Ctx(l.ctx).Warn().Err(err).Str("crew_member_id", l.memberID).Msg("compute route")
		}
		if called {
			l.emit()
		}
	}()
}

func (l *Live) Snapshot() enrich.Snapshot { return l.sess.Snapshot() }

// Wait blocks until every goroutine of the view has returned. Cancel the
// Start context first.
func (l *Live) Wait() { l.wg.Wait() }
