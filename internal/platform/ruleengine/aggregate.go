package ruleengine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ehr/ruleengine/internal/domain/rules"
)

func (r *Resolver) resolveAggregate(ctx context.Context, v *rules.RuleVariable, ec *EvalContext) (any, error) {
	if v.DataSource == nil || *v.DataSource == "" {
		return nil, fmt.Errorf("aggregate variable has no data_source")
	}
	fn := "count"
	if v.AggregateFunction != nil {
		fn = *v.AggregateFunction
	}

	points, err := r.data.DataPoints(ctx, r.pointQuery(v, ec))
	if err != nil {
		return nil, err
	}
	return aggregate(fn, points)
}

func (r *Resolver) pointQuery(v *rules.RuleVariable, ec *EvalContext) DataPointQuery {
	q := DataPointQuery{
		Source:  *v.DataSource,
		Subject: ec.Subject(),
		Until:   ec.Now,
		Filters: v.AggregateFilters,
	}
	if v.AggregateField != nil {
		q.Field = *v.AggregateField
	}
	if v.TimeWindowHours != nil && *v.TimeWindowHours > 0 {
		q.Since = ec.Now.Add(-time.Duration(*v.TimeWindowHours) * time.Hour)
	}
	return q
}

// aggregate reduces points with fn. An empty input is ErrVariableUnavailable
// for every function except count, which yields 0.
func aggregate(fn string, points []DataPoint) (any, error) {
	if fn == "count" {
		return float64(len(points)), nil
	}
	if len(points) == 0 {
		return nil, ErrVariableUnavailable
	}

	switch fn {
	case "first":
		return normalizeValue(points[0].Value), nil
	case "last":
		return normalizeValue(points[len(points)-1].Value), nil
	}

	nums := make([]float64, 0, len(points))
	for _, p := range points {
		n, ok := toNumber(p.Value)
		if !ok {
			return nil, fmt.Errorf("%s over non-numeric value %v", fn, p.Value)
		}
		nums = append(nums, n)
	}

	switch fn {
	case "sum":
		return sum(nums), nil
	case "avg":
		return sum(nums) / float64(len(nums)), nil
	case "min":
		m := math.Inf(1)
		for _, n := range nums {
			m = math.Min(m, n)
		}
		return m, nil
	case "max":
		m := math.Inf(-1)
		for _, n := range nums {
			m = math.Max(m, n)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown aggregate function %q", fn)
}

func sum(nums []float64) float64 {
	var total float64
	for _, n := range nums {
		total += n
	}
	return total
}

// resolveTimeBased measures elapsed time from an anchor to ec.Now. The anchor
// is the time_anchor field when configured, otherwise the latest data point.
func (r *Resolver) resolveTimeBased(ctx context.Context, v *rules.RuleVariable, ec *EvalContext) (any, error) {
	var anchor time.Time
	switch {
	case v.TimeAnchor != nil && *v.TimeAnchor != "":
		raw, ok := ec.LookupField(*v.TimeAnchor)
		if !ok || raw == nil {
			return nil, ErrVariableUnavailable
		}
		t, ok := toTime(raw)
		if !ok {
			return nil, fmt.Errorf("time_anchor %q is not a timestamp: %v", *v.TimeAnchor, raw)
		}
		anchor = t
	case v.DataSource != nil && *v.DataSource != "":
		points, err := r.data.DataPoints(ctx, r.pointQuery(v, ec))
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			return nil, ErrVariableUnavailable
		}
		anchor = points[len(points)-1].EffectiveAt
	default:
		return nil, fmt.Errorf("time_based variable needs time_anchor or data_source")
	}

	unit := time.Hour * 24
	if v.TimeUnit != nil {
		switch *v.TimeUnit {
		case "minutes":
			unit = time.Minute
		case "hours":
			unit = time.Hour
		case "days", "":
		default:
			return nil, fmt.Errorf("unknown time_unit %q", *v.TimeUnit)
		}
	}
	return math.Floor(float64(ec.Now.Sub(anchor)) / float64(unit)), nil
}
