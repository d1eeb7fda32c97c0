// Package alerting manages the alert lifecycle: creation (manual and from
// detections), checklist/detail updates with derived recovery, transactional
// resolution into the resolved-incident archive, and time-based escalation.
package alerting

// Stage is one step of the fixed four-stage incident response model.
type Stage string

const (
	StagePreparation  Stage = "Preparation"
	StageDetection    Stage = "Detection & Analysis"
	StageEradication  Stage = "Eradication, Containment & Recovery"
	StagePostIncident Stage = "Post-Incident Activity"
)

// Stages lists the model in order. Four stages at 25% each: completing all
// of them always yields exactly 100%.
var Stages = []Stage{
	StagePreparation,
	StageDetection,
	StageEradication,
	StagePostIncident,
}

// ValidStage reports whether s names a known stage.
func ValidStage(s string) bool {
	for _, stage := range Stages {
		if string(stage) == s {
			return true
		}
	}
	return false
}

// Recovery derives the completion percentage from a stage checklist. It is
// never stored independently: every caller recomputes from the checklist.
// Duplicate entries count once, so completing all four stages yields exactly
// 100% no matter how the checklist was submitted.
func Recovery(stageChecks []string) int {
	distinct := make(map[string]bool, len(Stages))
	for _, s := range stageChecks {
		distinct[s] = true
	}
	r := len(distinct) * 25
	if r > 100 {
		r = 100
	}
	return r
}

// CurrentStage returns the last completed stage label, or empty when the
// checklist is untouched.
func CurrentStage(stageChecks []string) string {
	if len(stageChecks) == 0 {
		return ""
	}
	return stageChecks[len(stageChecks)-1]
}

// severityCode maps a detection's textual severity to the numeric 1-4 alert
// code.
func severityCode(severity string) int16 {
	switch severity {
	case "CRITICAL":
		return 4
	case "HIGH":
		return 3
	case "MEDIUM":
		return 2
	default:
		return 1
	}
}

// severityText maps the numeric 1-4 alert code back to its label.
func severityText(code int16) string {
	switch code {
	case 4:
		return "CRITICAL"
	case 3:
		return "HIGH"
	case 2:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
