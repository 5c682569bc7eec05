package fix

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errDisabled = errors.New("disabled")

type Outcome int

const (
	Disabled Outcome = iota
	Active
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Active:
		return "active"
	case Failed:
		return "failed"
	}
	return "disabled"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result is the outcome of one feature.
type Result struct {
	Feature string  `json:"feature"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Report is the outcome of a Run.
type Report struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Results  []Result  `json:"results"`
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Run applies every feature in order. A failing feature is logged and skipped;
// the others still apply. Run returns once every feature has been handled or
// ctx is cancelled.
func Run(ctx context.Context, env *Env) Report {
	return runFeatures(ctx, env, Features)
}

func runFeatures(ctx context.Context, env *Env, features []Feature) Report {
	report := Report{Started: time.Now()}
	for _, f := range features {
		res := Result{Feature: f.Name}
		switch {
		case ctx.Err() != nil:
			res.Outcome = Failed
			res.Reason = ctx.Err().Error()
		case !f.Enabled(env.Config):
			res.Outcome = Disabled
		default:
			err := apply(ctx, env, f)
			switch {
			case err == nil:
				res.Outcome = Active
			case errors.Is(err, errDisabled):
				res.Outcome = Disabled
			default:
				res.Outcome = Failed
				res.Reason = err.Error()
			}
		}

		entry := env.Log.WithField("outcome", res.Outcome)
		if res.Outcome == Failed {
			entry.Errorf("%s: %s", f.Name, res.Reason)
		} else {
			entry.Debugf("%s: %s", f.Name, res.Outcome)
		}
		report.Results = append(report.Results, res)
	}
	report.Finished = time.Now()
	env.Log.Infof("Applied %d fixes, %d failed, %d disabled.", report.Count(Active), report.Count(Failed), report.Count(Disabled))
	return report
}

func apply(ctx context.Context, env *Env, f Feature) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f.Apply(ctx, env)
}
