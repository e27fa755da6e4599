package fullpage

import (
	"net/http"
	"strings"
)

// SessionChecker reports whether a request belongs to a privileged (editor
// or administrator) session. *auth.SessionChecker implements it.
type SessionChecker interface {
	Privileged(r *http.Request) (bool, error)
}

// VisitorInfo is what the targeting engine knows about a visitor.
type VisitorInfo struct {
	MatchingRules []string
	TargetGroups  []string
}

// Personalized reports whether any rule or target group matched.
func (v *VisitorInfo) Personalized() bool {
	return v != nil && (len(v.MatchingRules) > 0 || len(v.TargetGroups) > 0)
}

// Targeting resolves visitor information for a request.
type Targeting interface {
	// VisitorInfo returns the visitor info, or false when the visitor is
	// unknown to the engine.
	VisitorInfo(r *http.Request) (*VisitorInfo, bool)
}

// TargetingFunc adapts a function to Targeting.
type TargetingFunc func(r *http.Request) (*VisitorInfo, bool)

// VisitorInfo calls f(r).
func (f TargetingFunc) VisitorInfo(r *http.Request) (*VisitorInfo, bool) {
	return f(r)
}

// DeviceDetector classifies the requesting device.
type DeviceDetector interface {
	Detect(r *http.Request) string
}

// Device classes reported by UserAgentDetector.
const (
	DevicePhone   = "phone"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
)

// UserAgentDetector classifies devices by User-Agent substrings. A
// "forceDeviceType" query parameter with a known class wins.
type UserAgentDetector struct{}

var (
	tabletAgents = []string{"ipad", "tablet", "kindle", "silk", "playbook"}
	phoneAgents  = []string{"iphone", "ipod", "mobile", "android", "blackberry", "windows phone", "opera mini"}
)

// Detect implements DeviceDetector.
func (UserAgentDetector) Detect(r *http.Request) string {
	switch forced := r.URL.Query().Get("forceDeviceType"); forced {
	case DevicePhone, DeviceTablet, DeviceDesktop:
		return forced
	}
	ua := strings.ToLower(r.UserAgent())
	for _, s := range tabletAgents {
		if strings.Contains(ua, s) {
			return DeviceTablet
		}
	}
	// Android tablets omit "mobile"; those were not caught above.
	if strings.Contains(ua, "android") && !strings.Contains(ua, "mobile") {
		return DeviceTablet
	}
	for _, s := range phoneAgents {
		if strings.Contains(ua, s) {
			return DevicePhone
		}
	}
	return DeviceDesktop
}

// Hooks let the application veto or adjust stored pages.
type Hooks struct {
	// CacheResponse receives the gate's verdict and returns the final one.
	CacheResponse func(r *http.Request, resp *StoredResponse, cacheable bool) bool

	// PrepareResponse returns the response to store, typically a trimmed
	// copy of resp.
	PrepareResponse func(r *http.Request, resp *StoredResponse) *StoredResponse
}
