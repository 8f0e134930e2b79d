package alert

import (
	"fmt"

	"github.com/jguan/anpr-monitor/pkg/unit/feed"
)

const (
	RuleFlaggedVehicle = "flagged_vehicle"
	RuleLowConfidence  = "low_confidence"
	RuleDetectorOutage = "detector_outage"
)

// ForRecord returns the alert a detection raises, if any. Flagged plates
// are critical and stay until handled; readings below lowConfidence are
// warnings that resolve on their own. A zero lowConfidence disables the
// warning.
func ForRecord(rec feed.Record, lowConfidence float64) (Alert, bool) {
	switch {
	case rec.Category == feed.CategoryFlagged:
		return Alert{
			Rule:        RuleFlaggedVehicle,
			Severity:    SeverityCritical,
			Message:     "Flagged vehicle detected",
			CameraID:    rec.CameraID,
			PlateNumber: rec.PlateNumber,
		}, true
	case rec.Confidence < lowConfidence:
		return Alert{
			Rule:        RuleLowConfidence,
			Severity:    SeverityWarning,
			Message:     fmt.Sprintf("License plate obscured (confidence %.1f%%)", rec.Confidence),
			CameraID:    rec.CameraID,
			PlateNumber: rec.PlateNumber,
			AutoResolve: true,
		}, true
	}
	return Alert{}, false
}

// DetectorOutage is raised while the named detector's circuit is open.
func DetectorOutage(name string) Alert {
	return Alert{
		Rule:     RuleDetectorOutage,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("Detector %s unavailable, circuit open", name),
		Key:      OutageKey(name),
	}
}

func OutageKey(name string) string {
	return RuleDetectorOutage + ":" + name
}
