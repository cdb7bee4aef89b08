package domain

// Observation is what reconciliation saw for one application.
type Observation struct {
	ContainerExists  bool   `json:"container_exists"`
	ContainerRunning bool   `json:"container_running"`
	ContainerState   string `json:"container_state"`
	RouteExists      bool   `json:"route_exists"`
	RouteValid       bool   `json:"route_valid"`
	// Reachable is nil when the probe was skipped.
	Reachable *bool  `json:"reachable,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ReconcileReport compares the recorded status with the derived one.
type ReconcileReport struct {
	AppID       int64       `json:"app_id"`
	Name        string      `json:"name"`
	Recorded    AppStatus   `json:"recorded_status"`
	Actual      AppStatus   `json:"actual_status"`
	Observation Observation `json:"observation"`
	Issues      []string    `json:"issues"`
	// CorrectedTo is set when the recorded status was changed.
	CorrectedTo AppStatus `json:"corrected_to,omitempty"`
}

// InSync reports whether recorded and derived status agree.
func (r *ReconcileReport) InSync() bool {
	return r.Recorded == r.Actual
}

// Derive maps observations to a status. It never consults the recorded one.
func (o Observation) Derive() AppStatus {
	switch {
	case o.Error != "":
		return StatusError
	case !o.ContainerExists:
		return StatusNotDeployed
	case !o.ContainerRunning:
		return StatusStopped
	case !o.RouteExists || !o.RouteValid:
		return StatusNginxError
	case o.Reachable != nil && !*o.Reachable:
		return StatusAppError
	default:
		return StatusRunning
	}
}

// Downgrade returns the status reconciliation may write back, or "" when
// the mismatch must only be reported. Only moves away from running are
// ever applied.
func Downgrade(recorded, actual AppStatus) AppStatus {
	switch {
	case recorded == StatusRunning && actual == StatusStopped:
		return StatusStopped
	case recorded == StatusStopped && actual == StatusNotDeployed:
		return StatusNotDeployed
	default:
		return ""
	}
}

// ReconcileSummary aggregates a bulk reconciliation.
type ReconcileSummary struct {
	Total     int                `json:"total"`
	InSync    int                `json:"in_sync"`
	Corrected int                `json:"corrected"`
	WithIssue int                `json:"with_issues"`
	Reports   []*ReconcileReport `json:"reports"`
}

// Summarize counts the outcome of reports.
func Summarize(reports []*ReconcileReport) *ReconcileSummary {
	s := &ReconcileSummary{Total: len(reports), Reports: reports}
	for _, r := range reports {
		if r.CorrectedTo != "" {
			s.Corrected++
		}
		if r.InSync() {
			s.InSync++
		} else if len(r.Issues) > 0 {
			s.WithIssue++
		}
	}
	return s
}
