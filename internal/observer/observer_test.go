package observer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bnema/harborgate/internal/containersource"
	"github.com/bnema/harborgate/internal/routetable"
)

type fakeSource struct {
	descriptors map[string]containersource.ContainerDescriptor
	insideHost  bool
	events      chan containersource.Event
	errs        chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		descriptors: map[string]containersource.ContainerDescriptor{},
		events:      make(chan containersource.Event, 8),
		errs:        make(chan error, 1),
	}
}

func (f *fakeSource) List(ctx context.Context) ([]containersource.ContainerDescriptor, error) {
	out := make([]containersource.ContainerDescriptor, 0, len(f.descriptors))
	for _, d := range f.descriptors {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeSource) Inspect(ctx context.Context, id string) (containersource.ContainerDescriptor, error) {
	d, ok := f.descriptors[id]
	if !ok {
		return containersource.ContainerDescriptor{}, &containersource.ErrNotFound{ID: id}
	}
	return d, nil
}

func (f *fakeSource) Events(ctx context.Context) (<-chan containersource.Event, <-chan error) {
	return f.events, f.errs
}

func (f *fakeSource) RunsInsideContainer() bool { return f.insideHost }

func withLabels(id, host string, port int, extra map[string]string) containersource.ContainerDescriptor {
	labels := map[string]string{
		"harborgate.enable": "true",
		"harborgate.host":   host,
	}
	for k, v := range extra {
		labels[k] = v
	}
	return containersource.ContainerDescriptor{
		ID:           id,
		Name:         id,
		Labels:       labels,
		ExposedPorts: []int{port},
		PortBindings: []containersource.PortBinding{{ContainerPort: port, HostPort: 40000 + port}},
	}
}

func TestReconcileUpsertsRoutesForEnabledContainers(t *testing.T) {
	src := newFakeSource()
	src.descriptors["c1"] = withLabels("c1", "app1.test", 80, nil)
	routes := routetable.New()
	o := New(src, routes)

	require.NoError(t, o.reconcile(context.Background()))

	snap := routes.Snapshot()
	route, ok := snap.ByHost["app1.test"]
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", route.Backend.Address)
	require.Equal(t, 40080, route.Backend.Port)
}

func TestApplySkipsContainerWithoutTargetPort(t *testing.T) {
	src := newFakeSource()
	routes := routetable.New()
	o := New(src, routes)

	o.apply(containersource.ContainerDescriptor{
		ID:     "c2",
		Labels: map[string]string{"harborgate.enable": "true", "harborgate.host": "noport.test"},
	})

	snap := routes.Snapshot()
	_, ok := snap.ByHost["noport.test"]
	require.False(t, ok)
}

func TestApplyUsesContainerIPWhenRunningInsideContainer(t *testing.T) {
	src := newFakeSource()
	src.insideHost = true
	routes := routetable.New()
	o := New(src, routes)

	desc := withLabels("c3", "inside.test", 8080, nil)
	desc.Networks = []containersource.NetworkAttachment{{Name: "bridge", IP: "172.17.0.5"}}
	o.apply(desc)

	route, ok := routes.Snapshot().ByHost["inside.test"]
	require.True(t, ok)
	require.Equal(t, "172.17.0.5", route.Backend.Address)
	require.Equal(t, 8080, route.Backend.Port)
}

func TestHandleStartAppliesAfterSettleDelayAndDieRemoves(t *testing.T) {
	src := newFakeSource()
	src.descriptors["c4"] = withLabels("c4", "dyn.test", 80, nil)
	routes := routetable.New()
	o := New(src, routes)

	o.handle(context.Background(), containersource.Event{ID: "c4", Action: containersource.ActionStart})
	_, ok := routes.Snapshot().ByHost["dyn.test"]
	require.True(t, ok)

	o.handle(context.Background(), containersource.Event{ID: "c4", Action: containersource.ActionDie})
	_, ok = routes.Snapshot().ByHost["dyn.test"]
	require.False(t, ok)
}

func TestRunReconcilesThenConsumesUntilContextCancelled(t *testing.T) {
	src := newFakeSource()
	src.descriptors["c5"] = withLabels("c5", "initial.test", 80, nil)
	routes := routetable.New()
	o := New(src, routes)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := routes.Snapshot().ByHost["initial.test"]
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
