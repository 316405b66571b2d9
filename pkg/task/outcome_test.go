package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-governance/internal/testutil"
	"github.com/StricklySoft/stricklysoft-governance/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

func TestSucceeded(t *testing.T) {
	t.Parallel()
	o := Succeeded("task-1", "run-1", fixtures.Epoch)
	assert.True(t, o.Success)
	assert.Nil(t, o.Error)
	assert.Equal(t, fixtures.Epoch, o.CompletedAt)
}

func TestFailed_KeepsPlatformCode(t *testing.T) {
	t.Parallel()
	err := sserr.Timeout("agent did not answer")

	o := Failed("task-1", "run-1", err, fixtures.Epoch)

	assert.False(t, o.Success)
	require.NotNil(t, o.Error)
	assert.Equal(t, string(sserr.CodeTimeout), o.Error.Code)
	assert.Equal(t, "agent did not answer", o.Error.Message)
}

func TestFailed_PlainError(t *testing.T) {
	t.Parallel()
	o := Failed("task-1", "", errors.New("boom"), fixtures.Epoch)
	require.NotNil(t, o.Error)
	assert.Equal(t, string(sserr.CodeInternal), o.Error.Code)
	assert.Equal(t, "boom", o.Error.Message)
}

func TestOutcome_Clone(t *testing.T) {
	t.Parallel()
	o := Failed("task-1", "run-1", errors.New("boom"), fixtures.Epoch)
	c := o.Clone()
	c.Error.Message = "changed"
	assert.Equal(t, "boom", o.Error.Message)
}

func TestOutcome_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	testutil.AssertJSONRoundTrip(t, Failed("task-1", "run-1", errors.New("boom"), fixtures.Epoch))
}
