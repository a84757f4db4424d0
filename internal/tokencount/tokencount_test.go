package tokencount

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stranmor/keyrelay/internal/apperrors"
)

func TestEstimateRoundsUpQuarterRune(t *testing.T) {
	assert.EqualValues(t, 0, Estimate(nil))
	assert.EqualValues(t, 1, Estimate([]byte("abc")))
	assert.EqualValues(t, 1, Estimate([]byte("abcd")))
	assert.EqualValues(t, 2, Estimate([]byte("abcde")))
}

func TestCheckLimitNilMeansUnlimited(t *testing.T) {
	assert.NoError(t, CheckLimit([]byte(strings.Repeat("x", 10_000)), nil))
}

func TestCheckLimitErrorNamesTokensNotBytes(t *testing.T) {
	max := uint64(1)
	err := CheckLimit([]byte("this is definitely more than four characters"), &max)
	require.Error(t, err)

	var pe *apperrors.ProxyError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, apperrors.RequestTooLarge, pe.Kind)
	assert.Equal(t, "tokens", pe.Field)
	assert.Contains(t, err.Error(), "tokens")
	assert.NotContains(t, err.Error(), "bytes")
}

func TestCheckLimitWithinBoundsPasses(t *testing.T) {
	max := uint64(100)
	assert.NoError(t, CheckLimit([]byte("short"), &max))
}
