package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

func newTestService(t *testing.T, connector *fakeConnector, webhookBase string) (*Service, *Registry) {
	t.Helper()
	registry := newTestRegistry(t, afero.NewMemMapFs())
	svc, err := NewService(ServiceConfig{
		Registry:       registry,
		WebhookBaseURL: webhookBase,
		Build: func(ctx context.Context, conn *Connection) (Connector, error) {
			connector.conn = conn
			return connector, nil
		},
	})
	require.NoError(t, err)
	return svc, registry
}

func TestService_CreateRegistersWebhookChannel(t *testing.T) {
	connector := &fakeConnector{typ: TypeGoogleDrive, channelID: "ch-42"}
	svc, registry := newTestService(t, connector, "https://quarry.example.com/")

	created, err := svc.Create(context.Background(), Connection{
		UserID: "u1",
		Type:   TypeGoogleDrive,
		Name:   "team drive",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, connector.authCalls)
	assert.Equal(t,
		[]string{"https://quarry.example.com/connectors/google_drive/webhook"},
		connector.setupURLs)
	assert.Equal(t, "ch-42", created.WebhookChannelID)
	require.NotNil(t, created.WebhookExpiresAt)

	// The channel state survived the round trip to the registry, so webhook
	// routing can resolve it.
	resolved, err := registry.FindByChannelID("ch-42")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, created.ID, resolved.ID)
}

func TestService_CreateWithoutBaseURLStaysPollOnly(t *testing.T) {
	connector := &fakeConnector{typ: TypeGoogleDrive, channelID: "ch-42"}
	svc, _ := newTestService(t, connector, "")

	created, err := svc.Create(context.Background(), Connection{
		UserID: "u1", Type: TypeGoogleDrive, Name: "drive",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, connector.authCalls)
	assert.Empty(t, connector.setupURLs)
	assert.Empty(t, created.WebhookChannelID)
}

func TestService_CreateS3SkipsSubscription(t *testing.T) {
	connector := &fakeConnector{typ: TypeS3}
	svc, _ := newTestService(t, connector, "https://quarry.example.com")

	created, err := svc.Create(context.Background(), Connection{
		UserID: "u1", Type: TypeS3, Name: "bucket",
	})
	require.NoError(t, err)
	assert.Empty(t, connector.setupURLs)
	assert.Empty(t, created.WebhookChannelID)
}

func TestService_CreateRollsBackOnAuthFailure(t *testing.T) {
	connector := &fakeConnector{typ: TypeGoogleDrive, authErr: errors.New("invalid_grant")}
	svc, registry := newTestService(t, connector, "https://quarry.example.com")

	_, err := svc.Create(context.Background(), Connection{
		UserID: "u1", Type: TypeGoogleDrive, Name: "drive",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")

	list, err := registry.List("u1")
	require.NoError(t, err)
	assert.Empty(t, list, "failed connection must not be persisted")
}

func TestService_CreateRollsBackOnSubscriptionFailure(t *testing.T) {
	connector := &fakeConnector{typ: TypeGoogleDrive, setupErr: errors.New("push endpoint unreachable")}
	svc, registry := newTestService(t, connector, "https://quarry.example.com")

	_, err := svc.Create(context.Background(), Connection{
		UserID: "u1", Type: TypeGoogleDrive, Name: "drive",
	})
	require.Error(t, err)

	list, err := registry.List("u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestService_DeleteStopsWebhookChannel(t *testing.T) {
	connector := &fakeConnector{typ: TypeGoogleDrive, channelID: "ch-42"}
	svc, _ := newTestService(t, connector, "https://quarry.example.com")

	created, err := svc.Create(context.Background(), Connection{
		UserID: "u1", Type: TypeGoogleDrive, Name: "drive",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), "u1", created.ID))
	assert.Equal(t, []string{"ch-42"}, connector.cleaned)

	_, err = svc.Get("u1", created.ID)
	assert.True(t, quarryerr.IsKind(err, quarryerr.KindNotFound))
}
