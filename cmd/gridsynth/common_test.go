package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/gridsynth/pkg/models"
)

func TestParseAssignment(t *testing.T) {
	catalog := models.Catalog{
		{Name: "month", Kind: models.VariableCategorical, Cardinality: 12},
		{Name: "temp", Kind: models.VariableContinuous},
	}

	got, err := parseAssignment(" month = jan , temp=12.5", catalog)
	require.NoError(t, err)
	assert.Equal(t, models.ContextAssignment{"month": "jan", "temp": 12.5}, got)

	got, err = parseAssignment("", catalog)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"month", "=jan", "season=winter", "temp=warm"} {
		_, err := parseAssignment(bad, catalog)
		assert.Error(t, err, bad)
	}
}

func TestSetupLogger(t *testing.T) {
	setupLogger(logger, "warn", "json")
	assert.Equal(t, "warning", logger.GetLevel().String())
	setupLogger(logger, "nonsense", "text")
	assert.Equal(t, "info", logger.GetLevel().String())
}
