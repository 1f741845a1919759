package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"Gantry/internal/config"
	"Gantry/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
)

const (
	tagManagedBy = "gantry:managed-by"
	tagRunnerID  = "gantry:runner-id"
	tagSpecName  = "gantry:spec"
	tagGPU       = "gantry:gpu"
	tagLabels    = "gantry:labels"
	tagCreatedAt = "gantry:created-at"
)

type EC2Provider struct {
	client *ec2.Client
	config config.AWSConfig
	logger *slog.Logger
	mu     sync.RWMutex
}

// New creates a new EC2 provider
func New(cfg config.AWSConfig, logger *slog.Logger) (*EC2Provider, error) {
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EC2Provider{
		client: ec2.NewFromConfig(awsCfg),
		config: cfg,
		logger: logger.With("provider", "ec2"),
	}, nil
}

func (p *EC2Provider) Name() string {
	return "ec2"
}

func (p *EC2Provider) List(ctx context.Context) ([]*provider.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:" + tagManagedBy),
				Values: []string{"gantry"},
			},
			{
				Name: aws.String("instance-state-name"),
				Values: []string{
					"pending",
					"running",
					"stopping",
					"stopped",
				},
			},
		},
	}

	result, err := p.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to describe instances: %w", err)
	}

	var instances []*provider.Instance
	for _, reservation := range result.Reservations {
		for _, inst := range reservation.Instances {
			instances = append(instances, p.toInstance(&inst))
		}
	}

	return instances, nil
}

func (p *EC2Provider) Get(ctx context.Context, id string) (*provider.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:" + tagRunnerID),
				Values: []string{id},
			},
			{
				Name: aws.String("instance-state-name"),
				Values: []string{
					"pending",
					"running",
					"stopping",
					"stopped",
				},
			},
		},
	}

	result, err := p.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance: %w", err)
	}

	if len(result.Reservations) == 0 || len(result.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}

	return p.toInstance(&result.Reservations[0].Instances[0]), nil
}

func (p *EC2Provider) Launch(ctx context.Context, req *provider.LaunchRequest) (*provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	instanceID := req.ID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	p.logger.Info("creating EC2 instance",
		"id", instanceID,
		"name", req.Name,
		"instance_type", req.InstanceType,
		"gpu", req.GPUType,
		"preemptible", req.Preemptible,
	)

	userData := p.buildUserData(req)
	userDataB64 := base64.StdEncoding.EncodeToString([]byte(userData))

	tags := p.buildTags(instanceID, req)
	tagSpecs := []types.TagSpecification{
		{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		},
		{
			ResourceType: types.ResourceTypeVolume,
			Tags:         tags,
		},
	}

	blockDeviceMappings := []types.BlockDeviceMapping{
		{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(p.config.VolumeSize),
				VolumeType:          types.VolumeType(p.config.VolumeType),
				DeleteOnTermination: aws.Bool(true),
			},
		},
	}

	var ec2ID string
	var err error

	if req.Preemptible {
		ec2ID, err = p.createSpotInstance(ctx, req, userDataB64, tagSpecs, blockDeviceMappings)
	} else {
		ec2ID, err = p.createOnDemandInstance(ctx, req, userDataB64, tagSpecs, blockDeviceMappings)
	}

	if err != nil {
		return nil, err
	}

	p.logger.Info("EC2 instance created",
		"id", instanceID,
		"instance_id", ec2ID,
	)

	return &provider.Instance{
		ID:         instanceID,
		Name:       req.Name,
		Status:     provider.StatusProvisioning,
		Labels:     req.Labels,
		Provider:   "ec2",
		ProviderID: ec2ID,
		CreatedAt:  time.Now(),
		Metadata: map[string]string{
			"instance_id":   ec2ID,
			"instance_type": req.InstanceType,
			"gpu":           req.GPUType,
			"region":        p.config.Region,
			"preemptible":   fmt.Sprintf("%t", req.Preemptible),
		},
	}, nil
}

func (p *EC2Provider) Terminate(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, err := p.Get(ctx, id)
	if err != nil {
		return err
	}

	p.logger.Info("terminating EC2 instance",
		"id", id,
		"instance_id", inst.ProviderID,
	)

	input := &ec2.TerminateInstancesInput{
		InstanceIds: []string{inst.ProviderID},
	}

	_, err = p.client.TerminateInstances(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to terminate instance: %w", err)
	}

	p.logger.Info("EC2 instance termination initiated", "id", id)
	return nil
}

func (p *EC2Provider) HealthCheck(ctx context.Context) error {
	// Simple check: describe regions to verify API access
	_, err := p.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return fmt.Errorf("EC2 health check failed: %w", err)
	}
	return nil
}

func (p *EC2Provider) Close() error {
	return nil
}

func (p *EC2Provider) createOnDemandInstance(
	ctx context.Context,
	req *provider.LaunchRequest,
	userData string,
	tagSpecs []types.TagSpecification,
	blockDeviceMappings []types.BlockDeviceMapping,
) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:             aws.String(req.MachineImage),
		InstanceType:        types.InstanceType(req.InstanceType),
		MinCount:            aws.Int32(1),
		MaxCount:            aws.Int32(1),
		UserData:            aws.String(userData),
		SubnetId:            aws.String(p.config.SubnetID),
		SecurityGroupIds:    p.config.SecurityGroupIDs,
		TagSpecifications:   tagSpecs,
		BlockDeviceMappings: blockDeviceMappings,
	}

	if p.config.KeyName != "" {
		input.KeyName = aws.String(p.config.KeyName)
	}

	if p.config.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(p.config.IAMInstanceProfile),
		}
	}

	result, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run on-demand instance: %w", err)
	}

	if len(result.Instances) == 0 {
		return "", fmt.Errorf("no instances created")
	}

	return *result.Instances[0].InstanceId, nil
}

func (p *EC2Provider) createSpotInstance(
	ctx context.Context,
	req *provider.LaunchRequest,
	userData string,
	tagSpecs []types.TagSpecification,
	blockDeviceMappings []types.BlockDeviceMapping,
) (string, error) {
	launchSpec := &types.RequestSpotLaunchSpecification{
		ImageId:             aws.String(req.MachineImage),
		InstanceType:        types.InstanceType(req.InstanceType),
		UserData:            aws.String(userData),
		SubnetId:            aws.String(p.config.SubnetID),
		SecurityGroupIds:    p.config.SecurityGroupIDs,
		BlockDeviceMappings: blockDeviceMappings,
	}

	if p.config.KeyName != "" {
		launchSpec.KeyName = aws.String(p.config.KeyName)
	}

	if p.config.IAMInstanceProfile != "" {
		launchSpec.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(p.config.IAMInstanceProfile),
		}
	}

	input := &ec2.RequestSpotInstancesInput{
		InstanceCount:       aws.Int32(1),
		Type:                types.SpotInstanceTypeOneTime,
		LaunchSpecification: launchSpec,
		TagSpecifications:   tagSpecs,
	}

	if p.config.SpotMaxPrice != "" {
		input.SpotPrice = aws.String(p.config.SpotMaxPrice)
	}

	result, err := p.client.RequestSpotInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to request spot instance: %w", err)
	}

	if len(result.SpotInstanceRequests) == 0 {
		return "", fmt.Errorf("no spot requests created")
	}

	requestID := *result.SpotInstanceRequests[0].SpotInstanceRequestId

	// Wait for spot request to be fulfilled
	waiter := ec2.NewSpotInstanceRequestFulfilledWaiter(p.client)
	waitInput := &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	}

	if err := waiter.Wait(ctx, waitInput, 5*time.Minute); err != nil {
		return "", fmt.Errorf("spot request not fulfilled: %w", err)
	}

	// Get instance ID from fulfilled request
	descResult, err := p.client.DescribeSpotInstanceRequests(ctx, waitInput)
	if err != nil {
		return "", fmt.Errorf("failed to describe spot request: %w", err)
	}

	if len(descResult.SpotInstanceRequests) == 0 || descResult.SpotInstanceRequests[0].InstanceId == nil {
		return "", fmt.Errorf("spot request has no instance ID")
	}

	ec2ID := *descResult.SpotInstanceRequests[0].InstanceId

	// Tag the instance (spot instances don't inherit tags from request)
	tagInput := &ec2.CreateTagsInput{
		Resources: []string{ec2ID},
		Tags:      tagSpecs[0].Tags,
	}
	_, err = p.client.CreateTags(ctx, tagInput)
	if err != nil {
		p.logger.Warn("failed to tag spot instance", "error", err)
	}

	return ec2ID, nil
}

func (p *EC2Provider) buildUserData(req *provider.LaunchRequest) string {
	if p.config.UserDataScript != "" {
		script := p.config.UserDataScript
		script = strings.ReplaceAll(script, "{{RUNNER_NAME}}", req.Name)
		script = strings.ReplaceAll(script, "{{AGENT_URL}}", p.config.AgentURL)
		script = strings.ReplaceAll(script, "{{LABELS}}", strings.Join(req.Labels, ","))
		return script
	}

	// Default user data: start the build agent bound to this runner name
	return fmt.Sprintf(`#!/bin/bash
set -e

/opt/gantry/agent --name %s --labels %s --control-plane %s --ephemeral
`,
		req.Name,
		strings.Join(req.Labels, ","),
		p.config.AgentURL,
	)
}

func (p *EC2Provider) buildTags(instanceID string, req *provider.LaunchRequest) []types.Tag {
	tags := []types.Tag{
		{
			Key:   aws.String(tagManagedBy),
			Value: aws.String("gantry"),
		},
		{
			Key:   aws.String(tagRunnerID),
			Value: aws.String(instanceID),
		},
		{
			Key:   aws.String(tagSpecName),
			Value: aws.String(req.Name),
		},
		{
			Key:   aws.String(tagGPU),
			Value: aws.String(req.GPUType),
		},
		{
			Key:   aws.String(tagLabels),
			Value: aws.String(strings.Join(req.Labels, ",")),
		},
		{
			Key:   aws.String(tagCreatedAt),
			Value: aws.String(time.Now().Format(time.RFC3339)),
		},
		{
			Key:   aws.String("Name"),
			Value: aws.String(fmt.Sprintf("gantry-runner-%s", instanceID[:8])),
		},
	}

	// Add custom tags from config
	for k, v := range p.config.Tags {
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}

	return tags
}

func (p *EC2Provider) toInstance(inst *types.Instance) *provider.Instance {
	instanceID := ""
	name := ""
	var labels []string
	createdAt := time.Now()

	for _, tag := range inst.Tags {
		switch *tag.Key {
		case tagRunnerID:
			instanceID = *tag.Value
		case tagSpecName:
			name = *tag.Value
		case tagLabels:
			if *tag.Value != "" {
				labels = strings.Split(*tag.Value, ",")
			}
		case tagCreatedAt:
			if t, err := time.Parse(time.RFC3339, *tag.Value); err == nil {
				createdAt = t
			}
		}
	}

	status := mapInstanceState(inst.State.Name)

	metadata := map[string]string{
		"instance_id":   *inst.InstanceId,
		"instance_type": string(inst.InstanceType),
		"state":         string(inst.State.Name),
		"az":            *inst.Placement.AvailabilityZone,
	}

	if inst.PrivateIpAddress != nil {
		metadata["private_ip"] = *inst.PrivateIpAddress
	}
	if inst.PublicIpAddress != nil {
		metadata["public_ip"] = *inst.PublicIpAddress
	}

	return &provider.Instance{
		ID:         instanceID,
		Name:       name,
		Status:     status,
		Labels:     labels,
		Provider:   "ec2",
		ProviderID: *inst.InstanceId,
		CreatedAt:  createdAt,
		Metadata:   metadata,
	}
}

func mapInstanceState(state types.InstanceStateName) provider.Status {
	switch state {
	case types.InstanceStateNamePending:
		return provider.StatusProvisioning
	case types.InstanceStateNameRunning:
		return provider.StatusRunning
	case types.InstanceStateNameStopping:
		return provider.StatusTerminating
	case types.InstanceStateNameStopped:
		return provider.StatusTerminated
	case types.InstanceStateNameShuttingDown:
		return provider.StatusTerminating
	case types.InstanceStateNameTerminated:
		return provider.StatusTerminated
	default:
		return provider.StatusFailed
	}
}
