// Package health tracks the health of pointflow components (point store backend, NATS,
// sinks, ingress) and aggregates it into one service status.
package health

import (
	"regexp"
	"sort"
	"time"
)

// State is the health of a single component
type State string

// Component health states
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

var (
	urlPattern        = regexp.MustCompile(`(?i)(https?|nats|redis|tcp|wss?)://[^\s]+`)
	ipPattern         = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d+)?\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|secret|key)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health report for a component
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	State       State     `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

func newStatus(component string, state State, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		State:     state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// FromError reports healthy on nil and unhealthy with a sanitized message otherwise
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, Sanitize(err.Error()))
}

// Sanitize strips URLs, addresses and credentials from an error message before it is
// exposed on the health endpoint.
func Sanitize(msg string) string {
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = ipPattern.ReplaceAllString(msg, "[IP]")
	return credentialPattern.ReplaceAllString(msg, "[REDACTED]")
}

// Aggregate folds sub-statuses: any unhealthy makes the result unhealthy, otherwise any
// degraded makes it degraded.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "no components registered")
	}

	worst := StateHealthy
	for _, s := range subs {
		switch s.State {
		case StateUnhealthy:
			worst = StateUnhealthy
		case StateDegraded:
			if worst == StateHealthy {
				worst = StateDegraded
			}
		}
	}

	var out Status
	switch worst {
	case StateUnhealthy:
		out = NewUnhealthy(component, "one or more components are unhealthy")
	case StateDegraded:
		out = NewDegraded(component, "one or more components are degraded")
	default:
		out = NewHealthy(component, "all components are healthy")
	}

	out.SubStatuses = make([]Status, len(subs))
	copy(out.SubStatuses, subs)
	sort.Slice(out.SubStatuses, func(i, j int) bool {
		return out.SubStatuses[i].Component < out.SubStatuses[j].Component
	})
	return out
}
