package provision

import "fmt"

// progressBand is the half-open percent range [Start, End) a stage reports
// within. Bands ascend in stageOrder so percent strictly increases across
// stage boundaries; the finalize band closes at exactly 100.
type progressBand struct {
	Start int
	End   int
}

var progressBands = map[Stage]progressBand{
	StageValidate:   {2, 8},
	StageRepository: {8, 30},
	StageDatabase:   {30, 52},
	StageDeployment: {52, 72},
	StageCodegen:    {72, 92},
	StageFinalize:   {92, 100},
}

// subFractions positions each sub-status within its stage's band. A retried
// stage re-reports the same band, never a lower one.
var subFractions = map[SubStatus]float64{
	SubStarting:     0.0,
	SubCreating:     0.2,
	SubProvisioning: 0.5,
	SubConfiguring:  0.7,
	SubWaiting:      0.85,
	SubReady:        1.0,
}

// ProgressPercent maps (stage, sub-status) to a percent-complete value.
// It is a pure function: the store clamps persisted percent upward, so
// out-of-order reports from concurrent stages never regress the record.
func ProgressPercent(stage Stage, sub SubStatus) int {
	band, ok := progressBands[stage]
	if !ok {
		return 0
	}
	frac, ok := subFractions[sub]
	if !ok {
		frac = 0
	}
	if stage == StageFinalize && sub == SubReady {
		return 100
	}
	span := float64(band.End - band.Start)
	pct := band.Start + int(frac*span)
	if pct >= band.End {
		pct = band.End - 1
	}
	return pct
}

// progressVerbs are the human-readable phrases per sub-status.
var progressVerbs = map[SubStatus]string{
	SubStarting:     "starting",
	SubCreating:     "creating",
	SubProvisioning: "provisioning",
	SubConfiguring:  "configuring",
	SubWaiting:      "waiting for readiness",
	SubReady:        "ready",
}

// stageNouns are the human-readable subjects per stage.
var stageNouns = map[Stage]string{
	StageValidate:   "request validation",
	StageRepository: "source repository",
	StageDatabase:   "managed database",
	StageDeployment: "deployment target",
	StageCodegen:    "code generation",
	StageFinalize:   "project finalization",
}

// ProgressLine formats the log line and severity for a sub-status
// transition.
func ProgressLine(stage Stage, sub SubStatus) (string, LogLevel) {
	noun := stageNouns[stage]
	if noun == "" {
		noun = string(stage)
	}
	if sub == SubReady {
		return fmt.Sprintf("%s: %s", noun, progressVerbs[sub]), LevelSuccess
	}
	return fmt.Sprintf("%s: %s", noun, progressVerbs[sub]), LevelInfo
}

// StageIndex returns the position of a stage in the fixed ordering, or -1
// for unknown stages.
func StageIndex(stage Stage) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}
