package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"Gantry/internal/config"
	"Gantry/internal/provider"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	runnerLabelPrefix = "gantry.runner"
	labelRunnerID     = runnerLabelPrefix + ".id"
	labelSpecName     = runnerLabelPrefix + ".spec"
	labelRunnerLabels = runnerLabelPrefix + ".labels"
	labelManagedBy    = runnerLabelPrefix + ".managed-by"
)

// DockerProvider runs build agents as local containers. Useful for
// non-GPU specs and for development; the MachineImage field of a launch
// request maps to a container image.
type DockerProvider struct {
	client *client.Client
	config config.DockerConfig
	logger *slog.Logger
	mu     sync.RWMutex
}

// New creates a new Docker provider
func New(cfg config.DockerConfig, logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerProvider{
		client: cli,
		config: cfg,
		logger: logger.With("provider", "docker"),
	}, nil
}

func (p *DockerProvider) Name() string {
	return "docker"
}

func (p *DockerProvider) List(ctx context.Context) ([]*provider.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.list(ctx)
}

func (p *DockerProvider) list(ctx context.Context) ([]*provider.Instance, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var instances []*provider.Instance
	for _, c := range containers {
		if c.Labels[labelManagedBy] != "gantry" {
			continue
		}

		var labels []string
		if raw := c.Labels[labelRunnerLabels]; raw != "" {
			labels = strings.Split(raw, ",")
		}

		instances = append(instances, &provider.Instance{
			ID:         c.Labels[labelRunnerID],
			Name:       c.Labels[labelSpecName],
			Status:     mapContainerState(c.State),
			Labels:     labels,
			Provider:   "docker",
			ProviderID: c.ID,
			CreatedAt:  time.Unix(c.Created, 0),
			Metadata: map[string]string{
				"container_id": c.ID,
				"image":        c.Image,
				"state":        c.State,
			},
		})
	}

	return instances, nil
}

func (p *DockerProvider) Get(ctx context.Context, id string) (*provider.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.get(ctx, id)
}

func (p *DockerProvider) get(ctx context.Context, id string) (*provider.Instance, error) {
	instances, err := p.list(ctx)
	if err != nil {
		return nil, err
	}

	for _, inst := range instances {
		if inst.ID == id {
			return inst, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, id)
}

func (p *DockerProvider) Launch(ctx context.Context, req *provider.LaunchRequest) (*provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	instanceID := req.ID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	containerName := fmt.Sprintf("gantry-runner-%s", instanceID[:8])

	image := req.MachineImage
	if image == "" {
		image = p.config.Image
	}

	p.logger.Info("creating runner container", "id", instanceID, "spec", req.Name, "image", image)

	if p.config.PullPolicy == "always" || p.config.PullPolicy == "if-not-present" {
		if err := p.pullImage(ctx, image); err != nil {
			return nil, fmt.Errorf("failed to pull image: %w", err)
		}
	}

	containerConfig := &container.Config{
		Image:  image,
		Env:    p.buildEnv(req),
		Labels: p.buildLabels(instanceID, req),
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.Network),
		Resources: container.Resources{
			NanoCPUs: int64(p.config.CPULimit * 1e9),
			Memory:   p.config.MemoryLimit,
		},
	}

	if len(p.config.Volumes) > 0 {
		hostConfig.Binds = p.config.Volumes
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		containerConfig,
		hostConfig,
		nil,
		nil,
		containerName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up container on start failure
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	p.logger.Info("runner container started",
		"id", instanceID,
		"container_id", resp.ID,
		"spec", req.Name,
	)

	return &provider.Instance{
		ID:         instanceID,
		Name:       req.Name,
		Status:     provider.StatusProvisioning,
		Labels:     req.Labels,
		Provider:   "docker",
		ProviderID: resp.ID,
		CreatedAt:  time.Now(),
		Metadata: map[string]string{
			"container_id": resp.ID,
			"image":        image,
		},
	}, nil
}

func (p *DockerProvider) Terminate(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, err := p.get(ctx, id)
	if err != nil {
		return err
	}

	p.logger.Info("removing runner container",
		"id", id,
		"container_id", inst.ProviderID,
	)

	stopTimeout := 30
	removeOpts := container.RemoveOptions{
		RemoveVolumes: true,
	}

	if err := p.client.ContainerStop(ctx, inst.ProviderID, container.StopOptions{
		Timeout: &stopTimeout,
	}); err != nil {
		p.logger.Warn("graceful stop failed, forcing removal", "error", err)
		removeOpts.Force = true
	}

	if err := p.client.ContainerRemove(ctx, inst.ProviderID, removeOpts); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	p.logger.Info("runner container removed", "id", id)
	return nil
}

func (p *DockerProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker health check failed: %w", err)
	}
	return nil
}

func (p *DockerProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *DockerProvider) pullImage(ctx context.Context, image string) error {
	p.logger.Info("pulling image", "image", image)

	reader, err := p.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Consume the output to ensure pull completes
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *DockerProvider) buildEnv(req *provider.LaunchRequest) []string {
	env := []string{
		fmt.Sprintf("RUNNER_NAME=%s", req.Name),
		fmt.Sprintf("RUNNER_WORKDIR=%s", p.config.RunnerWorkDir),
		fmt.Sprintf("CONTROL_PLANE_URL=%s", p.config.AgentURL),
	}

	if len(req.Labels) > 0 {
		env = append(env, fmt.Sprintf("LABELS=%s", strings.Join(req.Labels, ",")))
	}

	return env
}

func (p *DockerProvider) buildLabels(instanceID string, req *provider.LaunchRequest) map[string]string {
	labels := map[string]string{
		labelRunnerID:     instanceID,
		labelSpecName:     req.Name,
		labelRunnerLabels: strings.Join(req.Labels, ","),
		labelManagedBy:    "gantry",
	}

	// Merge custom labels from config
	for k, v := range p.config.Labels {
		labels[k] = v
	}

	return labels
}

func mapContainerState(state string) provider.Status {
	switch state {
	case "running":
		return provider.StatusRunning
	case "exited", "dead":
		return provider.StatusTerminated
	case "restarting", "created":
		return provider.StatusProvisioning
	case "removing":
		return provider.StatusTerminating
	default:
		return provider.StatusFailed
	}
}
