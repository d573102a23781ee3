package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/m1ndvortex/tabsync/connectivity"
)

// HealthLevel is the overall grade of a health check.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

func (l HealthLevel) rank() int {
	switch l {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	}
	return 0
}

// NetworkHealth is the network part of a HealthReport.
type NetworkHealth struct {
	Online  bool                     `json:"online"`
	Quality connectivity.LinkQuality `json:"quality,omitempty"`
}

// HealthReport is the result of PerformHealthCheck.
type HealthReport struct {
	Overall             HealthLevel   `json:"overall"`
	Network             NetworkHealth `json:"network"`
	OpenConflicts       int           `json:"openConflicts"`
	CacheHealth         float64       `json:"cacheHealth"`
	FallbackSuccessRate float64       `json:"fallbackSuccessRate"`
	FallbackExecutions  int           `json:"fallbackExecutions"`
	Issues              []string      `json:"issues,omitempty"`
	CheckedAt           time.Time     `json:"checkedAt"`
}

// Grade fills Overall and Issues from the measured fields. The worst
// component wins.
func Grade(r *HealthReport) {
	r.Overall = HealthHealthy
	r.Issues = nil
	raise := func(l HealthLevel, issue string) {
		if l.rank() > r.Overall.rank() {
			r.Overall = l
		}
		r.Issues = append(r.Issues, issue)
	}

	switch {
	case r.CacheHealth < 50:
		raise(HealthCritical, fmt.Sprintf("cache health %.0f%%", r.CacheHealth))
	case r.CacheHealth < 80:
		raise(HealthDegraded, fmt.Sprintf("cache health %.0f%%", r.CacheHealth))
	}
	if r.FallbackExecutions > 0 {
		switch {
		case r.FallbackSuccessRate < 0.5:
			raise(HealthCritical, fmt.Sprintf("fallback success rate %.0f%%", r.FallbackSuccessRate*100))
		case r.FallbackSuccessRate < 0.8:
			raise(HealthDegraded, fmt.Sprintf("fallback success rate %.0f%%", r.FallbackSuccessRate*100))
		}
	}
	if !r.Network.Online {
		raise(HealthDegraded, "offline")
	}
	switch {
	case r.OpenConflicts > 5:
		raise(HealthCritical, fmt.Sprintf("%d open conflicts", r.OpenConflicts))
	case r.OpenConflicts > 0:
		raise(HealthDegraded, fmt.Sprintf("%d open conflicts", r.OpenConflicts))
	}
}

type qualityReporter interface {
	Quality() connectivity.LinkQuality
}

// PerformHealthCheck queries every configured component and grades the
// result. Missing components count as healthy.
func (o *Orchestrator) PerformHealthCheck(ctx context.Context) HealthReport {
	r := HealthReport{
		Network:             NetworkHealth{Online: o.online()},
		CacheHealth:         100,
		FallbackSuccessRate: 1,
		CheckedAt:           o.now(),
	}
	if q, ok := o.deps.Connectivity.(qualityReporter); ok {
		r.Network.Quality = q.Quality()
	}
	if o.deps.Conflicts != nil {
		r.OpenConflicts = len(o.deps.Conflicts.OpenConflicts())
	}
	var cacheErr error
	if o.deps.Cache != nil {
		h, err := o.deps.Cache.Health(ctx)
		if err != nil {
			cacheErr = err
			r.CacheHealth = 0
		} else {
			r.CacheHealth = h.Percent
		}
	}
	if o.deps.Fallback != nil {
		st := o.deps.Fallback.Stats()
		r.FallbackExecutions = st.Total
		if st.Total > 0 {
			r.FallbackSuccessRate = st.SuccessRate
		}
	}
	Grade(&r)
	if cacheErr != nil {
		r.Issues = append(r.Issues, "cache unreadable: "+cacheErr.Error())
	}
	o.metrics.setHealth(r.Overall)

	level := slog.LevelDebug
	if r.Overall != HealthHealthy {
		level = slog.LevelWarn
	}
	o.log.Log(ctx, level, "recovery.health", slog.String("overall", string(r.Overall)), slog.Any("issues", r.Issues))
	return r
}
