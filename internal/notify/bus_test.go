package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

func TestBusDeliversPerIncident(t *testing.T) {
	bus := NewBus(4)
	a := bus.Subscribe("inc-a")
	b := bus.Subscribe("inc-b")
	all := bus.SubscribeAll()

	bus.Publish(Notification{IncidentID: "inc-a", Kind: KindPhaseChanged, From: types.PhaseObserving, Phase: types.PhaseOrienting})

	require.Len(t, a.Ch, 1)
	assert.Len(t, b.Ch, 0)
	require.Len(t, all.Ch, 1)

	n := <-a.Ch
	assert.Equal(t, KindPhaseChanged, n.Kind)
	assert.Equal(t, types.PhaseOrienting, n.Phase)
	assert.False(t, n.Timestamp.IsZero())
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe("inc")

	bus.Publish(Notification{IncidentID: "inc", Kind: KindEvidenceCollected})
	bus.Publish(Notification{IncidentID: "inc", Kind: KindHypothesisAdded})

	require.Len(t, sub.Ch, 1)
	assert.Equal(t, KindEvidenceCollected, (<-sub.Ch).Kind)
}

func TestBusCloseAndUnsubscribe(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe("inc")
	other := bus.SubscribeAll()

	bus.Close("inc")
	_, open := <-sub.Ch
	assert.False(t, open)

	// Publishing after close must not panic.
	bus.Publish(Notification{IncidentID: "inc", Kind: KindInvestigationDone})
	require.Len(t, other.Ch, 1)

	bus.Unsubscribe(other)
	<-other.Ch
	_, open = <-other.Ch
	assert.False(t, open)
	bus.Unsubscribe(other)
}
