package mapimport_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/HZ-Backend/internal/mapimport"
	"github.com/EmpoweredVote/HZ-Backend/internal/zones"
)

func notifyFixture(t *testing.T) (*memStore, map[string]zones.Status, map[string]uuid.UUID) {
	t.Helper()

	store := newMemStore()
	dropped := active("51001")
	dropped.Status = zones.StatusExpired
	fresh := active("51002")
	fresh.Name = "Census Tract 2"
	store.seed(dropped, fresh, active("51005"))

	ids := map[string]uuid.UUID{
		"acme":   store.addBusiness("acme", "51001"),
		"bolt":   store.addBusiness("bolt", "51002"),
		"cobalt": store.addBusiness("cobalt", "51005"),
	}
	prior := map[string]zones.Status{"51001": zones.StatusActive, "51005": zones.StatusActive}
	return store, prior, ids
}

func TestNotifier_SendsOneAlertPerChangedBusiness(t *testing.T) {
	store, prior, ids := notifyFixture(t)
	sink := &recordingSink{}
	importID := uuid.New()

	res, err := mapimport.NewNotifier(store, sink, 4).Notify(context.Background(), importID, prior, importNow)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Affected)
	assert.Equal(t, 2, res.Sent)
	assert.Empty(t, res.Warnings)

	alerts := sink.sent()
	require.Len(t, alerts, 2)

	assert.Equal(t, ids["acme"], alerts[0].BusinessID)
	assert.Equal(t, mapimport.ChangeLost, alerts[0].Change)
	assert.Equal(t, mapimport.SeverityCritical, alerts[0].Severity)

	assert.Equal(t, ids["bolt"], alerts[1].BusinessID)
	assert.Equal(t, mapimport.ChangeGained, alerts[1].Change)
	assert.Equal(t, mapimport.SeverityLow, alerts[1].Severity)
	assert.Equal(t, importID, alerts[1].ImportID)
	assert.Contains(t, alerts[1].Message, "Census Tract 2 (51002)")
	assert.NotEmpty(t, alerts[1].Title)

	assert.Equal(t, 2, store.changeCount())
}

func TestNotifier_ReplayIsSuppressed(t *testing.T) {
	store, prior, _ := notifyFixture(t)
	sink := &recordingSink{}
	importID := uuid.New()
	n := mapimport.NewNotifier(store, sink, 2)

	_, err := n.Notify(context.Background(), importID, prior, importNow)
	require.NoError(t, err)
	res, err := n.Notify(context.Background(), importID, prior, importNow)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Sent)
	assert.Len(t, sink.sent(), 2)
}

func TestNotifier_FailureIsIsolated(t *testing.T) {
	store, prior, ids := notifyFixture(t)
	sink := &recordingSink{failFor: map[uuid.UUID]bool{ids["acme"]: true}}

	res, err := mapimport.NewNotifier(store, sink, 2).Notify(context.Background(), uuid.New(), prior, importNow)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sent)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "notify", res.Warnings[0].Step)
	assert.Equal(t, ids["acme"].String(), res.Warnings[0].Scope)

	// The failed delivery leaves no record so a retry can send it.
	assert.Equal(t, 1, store.changeCount())
}

func TestNotifier_LookupFailure(t *testing.T) {
	store, prior, _ := notifyFixture(t)
	store.failBusinessSQL = true

	_, err := mapimport.NewNotifier(store, &recordingSink{}, 2).Notify(context.Background(), uuid.New(), prior, time.Now())
	require.ErrorIs(t, err, errInjected)
}
