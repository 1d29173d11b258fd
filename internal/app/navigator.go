package app

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var errEmptyHref = errors.New("app: empty navigation target")

// Location is what the host page reported and where it was last asked to go.
type Location struct {
	Current string `json:"location"`
	Pending string `json:"pending,omitempty"`
}

// Navigator records navigation requests from move actions. The embedding page
// polls the pending target and reports the location it reached.
type Navigator struct {
	logger *zap.Logger

	mu  sync.Mutex
	loc Location
}

// NewNavigator starts at location.
func NewNavigator(location string, logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if location == "" {
		location = "/"
	}
	return &Navigator{logger: logger, loc: Location{Current: location}}
}

// Location returns the current page location.
func (n *Navigator) Location() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loc.Current
}

// Snapshot returns the current and pending locations.
func (n *Navigator) Snapshot() Location {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loc
}

// Navigate records href as the pending target.
func (n *Navigator) Navigate(href string) error {
	href = strings.TrimSpace(href)
	if href == "" {
		return errEmptyHref
	}
	n.mu.Lock()
	n.loc.Pending = href
	n.mu.Unlock()
	n.logger.Info("navigate", zap.String("href", href))
	return nil
}

// Observe sets the current location and clears a pending target it satisfies.
func (n *Navigator) Observe(location string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loc.Current = location
	if n.loc.Pending != "" && strings.HasSuffix(location, n.loc.Pending) {
		n.loc.Pending = ""
	}
}
