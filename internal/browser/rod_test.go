package browser

import (
	"context"
	"testing"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func TestSessionContextSurvivesRequestCancellation(t *testing.T) {
	t.Parallel()
	req, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "trace"))
	sessCtx := sessionContext(req)
	cancel()

	require.ErrorIs(t, req.Err(), context.Canceled)
	require.NoError(t, sessCtx.Err())
	require.Equal(t, "trace", sessCtx.Value(ctxKey{}))
}

func TestRodSessionCloseDisposesContextAfterRequestEnds(t *testing.T) {
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no chrome binary found")
	}
	d := NewRod(RodConfig{Headless: true, ExecPath: bin})
	if err := d.Start(context.Background()); err != nil {
		t.Skipf("chrome did not start: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	req, cancel := context.WithCancel(context.Background())
	sess, err := d.NewSession(req, RandomFingerprint())
	require.NoError(t, err)
	id := sess.(*rodSession).browser.BrowserContextID
	cancel()

	require.NoError(t, sess.Close())
	res, err := proto.TargetGetBrowserContexts{}.Call(d.browser)
	require.NoError(t, err)
	require.NotContains(t, res.BrowserContextIDs, id)
}
