package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := Configuration("volume.Grid", "invalid chunk shape %s", "0x1x1")
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.False(t, errors.Is(err, ErrNumerical))
	assert.Equal(t, "ConfigurationError in volume.Grid: invalid chunk shape 0x1x1", err.Error())

	wrapped := fmt.Errorf("timepoint 3: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConfiguration))
	assert.Equal(t, KindConfiguration, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestIsMatchesOpWhenSet(t *testing.T) {
	err := Alignment("volume.Zip", "grids differ")
	assert.True(t, errors.Is(err, &Error{Kind: KindAlignment, Op: "volume.Zip"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindAlignment, Op: "volume.Map"}))
}

func TestNumericalCarriesDiagnostics(t *testing.T) {
	params := []float64{1, 2, 3}
	err := fmt.Errorf("register: %w", Numerical("registration.Register", map[string]any{"params": params}, "non-finite cost"))
	assert.True(t, errors.Is(err, ErrNumerical))
	assert.Equal(t, params, DiagnosticsOf(err)["params"])
	assert.Nil(t, DiagnosticsOf(errors.New("plain")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(KindNumerical, "op", nil))

	cause := errors.New("disk full")
	err := Wrap(KindPartialPipelineFailure, "pipeline.RunBatch", cause)
	assert.True(t, errors.Is(err, ErrPartialPipelineFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "PartialPipelineFailure in pipeline.RunBatch: disk full", err.Error())
}
