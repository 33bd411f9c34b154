package pipeline

import (
	"math"
	"time"

	"github.com/google/uuid"

	"spimfuse/pkg/metrics"
	"spimfuse/pkg/registration"
	"spimfuse/pkg/transform"
)

// Status is the outcome of a timepoint run as catalogued by a sink.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Provenance records how a fused volume was produced.
type Provenance struct {
	RunID       uuid.UUID    `json:"run_id"`
	Timepoint   int          `json:"timepoint"`
	Status      Status       `json:"status"`
	Error       string       `json:"error,omitempty"`
	Method      string       `json:"method"`
	Iterations  int          `json:"iterations"`
	Regularizer string       `json:"regularizer,omitempty"`
	Views       []ViewRecord `json:"views"`
	Started     time.Time    `json:"started"`
	Finished    time.Time    `json:"finished"`
}

// ViewRecord is the provenance of one view.
type ViewRecord struct {
	Name string `json:"name"`
	// Transform maps reference-frame points into the view.
	Transform [4][4]float64 `json:"transform"`
	// Parts factors Transform. It is nil when the linear part is singular.
	Parts        *TransformParts      `json:"parts,omitempty"`
	Registration *RegistrationSummary `json:"registration,omitempty"`
	// Agreement compares the reference view with this view after
	// resampling.
	Agreement *metrics.Agreement `json:"agreement,omitempty"`
}

// TransformParts is a view transform split into translation, rotation,
// zoom and shear.
type TransformParts struct {
	Translation [3]float64    `json:"translation"`
	Rotation    [3][3]float64 `json:"rotation"`
	Zoom        [3]float64    `json:"zoom"`
	Shear       [3]float64    `json:"shear"`
}

func partsOf(t transform.Affine) *TransformParts {
	d, err := t.Decompose()
	if err != nil {
		return nil
	}
	p := &TransformParts{Translation: d.Translation, Zoom: d.Zoom, Shear: d.Shear}
	rows := d.Rotation.Rows()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Rotation[i][j] = rows[i][j]
		}
	}
	return p
}

// RegistrationSummary is the part of a registration result worth keeping.
type RegistrationSummary struct {
	State       string    `json:"state"`
	Converged   bool      `json:"converged"`
	Cost        float64   `json:"cost"`
	Iterations  int       `json:"iterations"`
	Evaluations int       `json:"evaluations"`
	Params      []float64 `json:"params"`
	// History is the per-iteration cost trace across pyramid levels.
	History []registration.Step `json:"history,omitempty"`
}

func summarize(r registration.Result) *RegistrationSummary {
	return &RegistrationSummary{
		State:       r.State.String(),
		Converged:   r.Converged,
		Cost:        finite(r.Cost),
		Iterations:  r.Iterations,
		Evaluations: r.Evaluations,
		Params:      r.Params,
		History:     r.History,
	}
}

func viewRecord(v View, t transform.Affine, s *RegistrationSummary, a *metrics.Agreement) ViewRecord {
	if a != nil {
		a.MI = finite(a.MI)
		a.RMSE = finite(a.RMSE)
		a.SSIM = finite(a.SSIM)
		a.EntropyDiff = finite(a.EntropyDiff)
		a.Correlation = finite(a.Correlation)
	}
	return ViewRecord{Name: v.Name, Transform: t.Rows(), Parts: partsOf(t), Registration: s, Agreement: a}
}

// finite maps values JSON cannot carry to zero.
func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
