package invoke

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOkAndFail(t *testing.T) {
	ok := Ok(map[string]any{"answer": 42})
	require.True(t, ok.Success)
	assert.Empty(t, ok.ErrorKind)
	assert.Empty(t, ok.ErrorMessage)

	fail := Fail(ErrToolNotFound, "tool not found: ghost")
	require.False(t, fail.Success)
	assert.Equal(t, ErrToolNotFound, fail.ErrorKind)
	assert.Nil(t, fail.Data)
}

func TestIsUserError(t *testing.T) {
	userKinds := []ErrorKind{ErrToolNotFound, ErrActionNotSupported, ErrInvalidArgument, ErrDisabled}
	for _, kind := range userKinds {
		assert.True(t, kind.IsUserError(), "kind %s", kind)
	}
	infraKinds := []ErrorKind{ErrProviderUnavailable, ErrTimeout, ErrProviderError, ErrInternal, ErrRateLimited}
	for _, kind := range infraKinds {
		assert.False(t, kind.IsUserError(), "kind %s", kind)
	}
}

func TestKindFromWire(t *testing.T) {
	assert.Equal(t, ErrTimeout, KindFromWire("timeout"))
	assert.Equal(t, ErrInvalidArgument, KindFromWire("invalid_argument"))
	// Unknown and empty wire values degrade to the provider-error bucket.
	assert.Equal(t, ErrProviderError, KindFromWire("weird_new_kind"))
	assert.Equal(t, ErrProviderError, KindFromWire(""))
}

func TestResultCarriesElapsed(t *testing.T) {
	res := Ok("x")
	res.Elapsed = 42 * time.Millisecond
	assert.Equal(t, 42*time.Millisecond, res.Elapsed)
}
