package certprovider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnema/harborgate/internal/challenge"
)

// TestChallengeProviderBridgesToSharedStore verifies the ACME HTTP-01
// provider deposits into (and cleans up from) the same Store the
// request pipeline's challenge responder reads from, rather than
// opening a second listener the way lego's built-in provider does.
func TestChallengeProviderBridgesToSharedStore(t *testing.T) {
	store := challenge.New()
	p := &challengeProvider{store: store}

	require.NoError(t, p.Present("a.test", "tok", "keyauth"))
	v, ok := store.Get("tok")
	require.True(t, ok)
	require.Equal(t, "keyauth", v)

	require.NoError(t, p.CleanUp("a.test", "tok", "keyauth"))
	_, ok = store.Get("tok")
	require.False(t, ok)
}
