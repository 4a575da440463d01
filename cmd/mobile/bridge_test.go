package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/medportal/core/internal/crypto"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/portal/portaltest"
	syncengine "github.com/kimhsiao/medportal/core/internal/sync"
)

func openBridge(t *testing.T) (*bridge, *portaltest.Env, *crypto.Vault) {
	t.Helper()
	opts, env := portaltest.Options(t, nil)
	vault := crypto.NewVault(t.TempDir(), crypto.DeriveKey("test"))

	b := &bridge{}
	require.NoError(t, b.open(bridgeOptions{Options: opts, Vault: vault}))
	t.Cleanup(func() { b.shutdown() })
	return b, env, vault
}

func TestBridgeRequiresInit(t *testing.T) {
	b := &bridge{}
	_, err := b.status(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	var body errorBody
	require.NoError(t, json.Unmarshal([]byte(encode(nil, err)), &body))
	assert.Equal(t, string(apperrors.ErrInvalid), body.Error.Code)
	assert.NoError(t, b.shutdown())
}

func TestBridgeSyncAndRead(t *testing.T) {
	b, env, vault := openBridge(t)
	ctx := context.Background()

	require.NoError(t, b.setToken("mobile-token"))
	saved, err := vault.Load(crypto.SessionAccount)
	require.NoError(t, err)
	assert.Equal(t, "mobile-token", saved)

	res, err := b.triggerSync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)

	studies, err := b.offlineStudies(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, studies, 1)
	assert.Equal(t, "s1", studies[0].ID)

	view, err := b.fetchStudy(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, view.Report)

	img, err := b.studyImage(ctx, "s1", "i1", "low")
	require.NoError(t, err)
	assert.NotEmpty(t, img.Data)
	assert.LessOrEqual(t, img.Width, 640)

	_, err = b.studyImage(ctx, "s1", "i1", "tiny")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	polled := b.pollEvents()
	events := polled["events"].([]syncengine.Event)
	require.NotEmpty(t, events)
	assert.Equal(t, syncengine.EventStarted, events[0].Type)
	assert.Empty(t, b.pollEvents()["events"])

	assert.Equal(t, 1, env.Backend.Count("GET /patients/P1/studies"))
}

func TestBridgeDeviceState(t *testing.T) {
	b, _, _ := openBridge(t)
	ctx := context.Background()

	state, err := b.setNetwork(`{"type":"cellular","generation":"3g","online":true}`)
	require.NoError(t, err)
	assert.Equal(t, "cellular", string(state.Type))

	_, err = b.setNetwork(`{"type":"satellite","online":true}`)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	strategy, err := b.setDeviceState(ctx, `{"battery":{"level":0.05,"charging":false}}`)
	require.NoError(t, err)
	assert.True(t, strategy.ReducedNetworkCalls)
	assert.True(t, b.p.Client().LowDataMode())

	strategy, err = b.setDeviceState(ctx, `{"memoryUsed":100,"memoryTotal":1000,"battery":{"level":1,"charging":true}}`)
	require.NoError(t, err)
	assert.False(t, strategy.ReducedNetworkCalls)

	require.NoError(t, b.setForeground(ctx, false))
	require.NoError(t, b.setForeground(ctx, true))
}

func TestBridgeMutationsAndLogout(t *testing.T) {
	b, env, vault := openBridge(t)
	ctx := context.Background()
	require.NoError(t, b.setToken("mobile-token"))

	_, err := b.setNetwork(`{"type":"none","online":false}`)
	require.NoError(t, err)

	sub, err := b.submitMutation(ctx, `{
		"type": "CREATE",
		"kind": "appointment",
		"appointment": {"patientId": "P1", "scheduledAt": "2026-12-01T09:00:00Z", "type": "MRI", "updatedAt": "2026-10-01T09:00:00Z"}
	}`)
	require.NoError(t, err)
	assert.True(t, sub.Queued)
	assert.Equal(t, 0, env.Backend.Count("POST /appointments"))

	_, err = b.submitMutation(ctx, `{"type":`)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	assert.True(t, apperrors.Is(b.resolveConflict(ctx, "missing", "merge"), apperrors.ErrNotFound))

	require.NoError(t, b.logout(ctx))
	_, err = vault.Load(crypto.SessionAccount)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	st, err := b.status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Queue["PENDING"])
}

func TestEncode(t *testing.T) {
	assert.JSONEq(t, `{"ok":true}`, encode(nil, nil))
	assert.JSONEq(t, `{"a":1}`, encode(map[string]int{"a": 1}, nil))
	assert.JSONEq(t, `{"error":{"code":"NOT_FOUND","message":"[NOT_FOUND] x"}}`,
		encode(nil, apperrors.New(apperrors.ErrNotFound, "x")))
}
