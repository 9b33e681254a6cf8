package sync

import (
	"log"
	"net/http"
	"sort"
	"sync"
	"time"
)

// RouteLink classifies the link behind a route
type RouteLink string

const (
	LinkUnmetered RouteLink = "unmetered" // Home/clinic network
	LinkMetered   RouteLink = "metered"   // Cellular or otherwise constrained
)

// SyncRoute is one configured path to the central store
type SyncRoute struct {
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	Link     RouteLink `json:"link"`
	Timeout  int       `json:"timeout"`  // seconds
	Priority int       `json:"priority"` // lower = higher priority
}

// RouteSwitch tracks when the active route changes
type RouteSwitch struct {
	FromRoute string    `json:"fromRoute"`
	ToRoute   string    `json:"toRoute"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RouteStatus tracks the health of a route
type RouteStatus struct {
	URL          string        `json:"url"`
	IsAvailable  bool          `json:"isAvailable"`
	LastCheck    time.Time     `json:"lastCheck"`
	LastSuccess  *time.Time    `json:"lastSuccess,omitempty"`
	LastFailure  *time.Time    `json:"lastFailure,omitempty"`
	SuccessCount int           `json:"successCount"`
	FailureCount int           `json:"failureCount"`
	AvgLatency   time.Duration `json:"avgLatency"`
	latencySum   time.Duration
	latencyCount int
}

// RouteManager probes the configured routes, keeps per-route health stats,
// and answers the transport's connectivity question: offline, metered or
// unmetered, plus which URL to use. A background loop watches for
// connectivity coming back and fires the regained callback.
type RouteManager struct {
	mu sync.RWMutex

	routes   []SyncRoute // sorted by priority
	statuses map[string]*RouteStatus
	history  []RouteSwitch

	currentURL string
	isOnline   bool

	checkInterval time.Duration
	running       bool
	stopCh        chan struct{}

	onRegained func()
}

// NewRouteManager creates a manager over the configured routes
func NewRouteManager(routes []SyncRoute, checkInterval time.Duration) *RouteManager {
	sorted := make([]SyncRoute, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	rm := &RouteManager{
		routes:        sorted,
		statuses:      make(map[string]*RouteStatus),
		history:       make([]RouteSwitch, 0),
		checkInterval: checkInterval,
		stopCh:        make(chan struct{}),
	}
	for _, route := range sorted {
		rm.statuses[route.URL] = &RouteStatus{URL: route.URL}
	}
	return rm
}

// AddRoute registers a route while the manager is running, as when the
// device pairs after startup. A route with the same URL is replaced.
func (rm *RouteManager) AddRoute(route SyncRoute) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	kept := make([]SyncRoute, 0, len(rm.routes)+1)
	for _, r := range rm.routes {
		if r.URL != route.URL {
			kept = append(kept, r)
		}
	}
	kept = append(kept, route)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Priority < kept[j].Priority })
	rm.routes = kept

	if rm.statuses[route.URL] == nil {
		rm.statuses[route.URL] = &RouteStatus{URL: route.URL}
	}
	log.Printf("🔀 Route registered: %s (%s)", route.Name, route.URL)
}

// OnConnectivityRegained registers the callback fired when the device comes
// back online after being offline.
func (rm *RouteManager) OnConnectivityRegained(fn func()) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.onRegained = fn
}

// Start begins background health checking
func (rm *RouteManager) Start() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.running {
		return
	}
	rm.running = true
	go rm.healthCheckLoop()
}

// Stop halts background health checking
func (rm *RouteManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.running {
		return
	}
	rm.running = false
	close(rm.stopCh)
}

// Probe tests routes in priority order and returns the connectivity class
// plus the route to use. No healthy route means offline.
func (rm *RouteManager) Probe() (Connectivity, *SyncRoute) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.probeLocked()
}

// Current returns the last probed state without re-probing
func (rm *RouteManager) Current() (Connectivity, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if !rm.isOnline || rm.currentURL == "" {
		return ConnectivityOffline, ""
	}
	for _, route := range rm.routes {
		if route.URL == rm.currentURL {
			return linkConnectivity(route.Link), route.URL
		}
	}
	return ConnectivityOffline, ""
}

// Statuses returns a copy of all route health stats
func (rm *RouteManager) Statuses() []RouteStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]RouteStatus, 0, len(rm.routes))
	for _, route := range rm.routes {
		if st := rm.statuses[route.URL]; st != nil {
			out = append(out, *st)
		}
	}
	return out
}

// History returns the bounded route switch log
func (rm *RouteManager) History() []RouteSwitch {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]RouteSwitch, len(rm.history))
	copy(out, rm.history)
	return out
}

func (rm *RouteManager) probeLocked() (Connectivity, *SyncRoute) {
	wasOffline := !rm.isOnline

	for _, route := range rm.routes {
		if rm.testRoute(route.URL, route.Timeout) {
			if rm.currentURL != route.URL {
				rm.logRouteSwitch(rm.currentURL, route.URL, "route_available")
				rm.currentURL = route.URL
			}
			rm.isOnline = true
			if wasOffline && rm.onRegained != nil {
				// Fire outside the lock; the callback only nudges a channel
				go rm.onRegained()
			}
			r := route
			return linkConnectivity(route.Link), &r
		}
	}

	rm.isOnline = false
	if rm.currentURL != "" {
		rm.logRouteSwitch(rm.currentURL, "offline", "all_routes_unavailable")
		rm.currentURL = ""
	}
	return ConnectivityOffline, nil
}

// testRoute checks a route's /health endpoint and updates its stats
func (rm *RouteManager) testRoute(url string, timeoutSec int) bool {
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	client := &http.Client{Timeout: time.Duration(timeoutSec) * time.Second}

	status := rm.statuses[url]
	status.LastCheck = time.Now()

	start := time.Now()
	resp, err := client.Get(url + "/health")
	latency := time.Since(start)

	if err != nil {
		status.IsAvailable = false
		status.FailureCount++
		now := time.Now()
		status.LastFailure = &now
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		status.IsAvailable = true
		status.SuccessCount++
		now := time.Now()
		status.LastSuccess = &now
		status.FailureCount = 0

		status.latencySum += latency
		status.latencyCount++
		status.AvgLatency = status.latencySum / time.Duration(status.latencyCount)
		return true
	}

	status.IsAvailable = false
	status.FailureCount++
	now := time.Now()
	status.LastFailure = &now
	log.Printf("⚠️ Route %s returned status %d", url, resp.StatusCode)
	return false
}

// logRouteSwitch appends to the switch history, keeping the last 100 entries
func (rm *RouteManager) logRouteSwitch(fromRoute, toRoute, reason string) {
	if fromRoute == toRoute {
		return
	}
	if fromRoute == "" {
		fromRoute = "offline"
	}

	rm.history = append(rm.history, RouteSwitch{
		FromRoute: fromRoute,
		ToRoute:   toRoute,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if len(rm.history) > 100 {
		rm.history = rm.history[len(rm.history)-100:]
	}

	log.Printf("🔀 Route switched: %s -> %s (reason: %s)", fromRoute, toRoute, reason)
}

// healthCheckLoop periodically re-probes so a device that comes back into
// coverage triggers a sync without waiting for the interval timer.
func (rm *RouteManager) healthCheckLoop() {
	ticker := time.NewTicker(rm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rm.mu.Lock()
			rm.probeLocked()
			rm.mu.Unlock()
		case <-rm.stopCh:
			return
		}
	}
}

func linkConnectivity(link RouteLink) Connectivity {
	if link == LinkMetered {
		return ConnectivityMetered
	}
	return ConnectivityUnmetered
}
