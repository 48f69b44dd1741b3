package containersource

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/bnema/harborgate/internal/harborlog"
)

var log = harborlog.Component("containersource")

// DockerSource implements Source against the Docker Engine API.
//
// Grounded on bnema/gordon's pkg/docker/client.go and
// internal/adapters/out/docker/runtime.go — the client construction
// and translation idioms are kept; the explicit-dependency style
// (no package-level client global) follows spec.md §9's instruction
// to re-model the teacher's singleton as an injected dependency.
type DockerSource struct {
	client     *dockerclient.Client
	insideHost bool
}

// NewDockerSource creates a Docker client for sock (or the default
// from DOCKER_HOST if sock is empty) and probes whether the calling
// process itself runs inside a container. It does not contact the
// daemon; the first API call does.
func NewDockerSource(sock string) (*DockerSource, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if sock != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+sock))
	} else {
		opts = append(opts, dockerclient.FromEnv)
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerSource{
		client:     cli,
		insideHost: detectInsideContainer(),
	}, nil
}

// detectInsideContainer probes the conventional /.dockerenv marker
// (spec.md §4.2).
func detectInsideContainer() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

func (d *DockerSource) RunsInsideContainer() bool { return d.insideHost }

func (d *DockerSource) List(ctx context.Context) ([]ContainerDescriptor, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	descriptors := make([]ContainerDescriptor, 0, len(containers))
	for _, c := range containers {
		desc, err := d.Inspect(ctx, c.ID)
		if err != nil {
			log.Warn("failed to inspect listed container, skipping",
				"container", harborlog.ShortID(c.ID), "error", err)
			continue
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}

func (d *DockerSource) Inspect(ctx context.Context, id string) (ContainerDescriptor, error) {
	resp, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return ContainerDescriptor{}, &ErrNotFound{ID: id}
		}
		return ContainerDescriptor{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	desc := ContainerDescriptor{
		ID:     resp.ID,
		Name:   strings.TrimPrefix(resp.Name, "/"),
		Labels: resp.Config.Labels,
	}

	portSet := map[int]struct{}{}
	if resp.Config != nil {
		for p := range resp.Config.ExposedPorts {
			if port, err := strconv.Atoi(p.Port()); err == nil {
				portSet[port] = struct{}{}
			}
		}
	}

	if resp.NetworkSettings != nil {
		for p, bindings := range resp.NetworkSettings.Ports {
			port, err := strconv.Atoi(p.Port())
			if err != nil {
				continue
			}
			portSet[port] = struct{}{}
			for _, b := range bindings {
				if b.HostPort == "" {
					continue
				}
				hostPort, err := strconv.Atoi(b.HostPort)
				if err != nil {
					continue
				}
				desc.PortBindings = append(desc.PortBindings, PortBinding{
					ContainerPort: port,
					HostPort:      hostPort,
				})
			}
		}
		for name, net := range resp.NetworkSettings.Networks {
			if net == nil || net.IPAddress == "" {
				continue
			}
			desc.Networks = append(desc.Networks, NetworkAttachment{Name: name, IP: net.IPAddress})
		}
	}

	for port := range portSet {
		desc.ExposedPorts = append(desc.ExposedPorts, port)
	}
	// Deterministic ascending order resolves the "first exposed port"
	// ambiguity flagged in spec.md §9.
	sort.Ints(desc.ExposedPorts)
	sort.Slice(desc.PortBindings, func(i, j int) bool {
		return desc.PortBindings[i].ContainerPort < desc.PortBindings[j].ContainerPort
	})

	return desc, nil
}

func (d *DockerSource) Events(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errs := make(chan error, 1)

	filterArgs := filters.NewArgs()
	filterArgs.Add("type", string(events.ContainerEventType))
	for _, action := range []string{"start", "die", "stop", "destroy"} {
		filterArgs.Add("event", action)
	}

	msgs, dockerErrs := d.client.Events(ctx, events.ListOptions{Filters: filterArgs})

	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-dockerErrs:
				if !ok {
					return
				}
				if err != nil {
					errs <- err
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				action, ok := mapAction(string(msg.Action))
				if !ok {
					continue
				}
				select {
				case out <- Event{ID: msg.Actor.ID, Action: action}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errs
}

func mapAction(raw string) (Action, bool) {
	switch raw {
	case "start":
		return ActionStart, true
	case "die":
		return ActionDie, true
	case "stop":
		return ActionStop, true
	case "destroy":
		return ActionDestroy, true
	default:
		return "", false
	}
}
