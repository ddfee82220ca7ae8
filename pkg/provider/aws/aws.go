// Package aws implements the provider API on EC2 and SSM.
package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/sirupsen/logrus"

	"github.com/myorg/kernelbox/pkg/config"
	"github.com/myorg/kernelbox/pkg/provider"
)

const (
	// spotPollInterval is the fixed wait between spot status checks.
	spotPollInterval = 5 * time.Second

	spotStatusFulfilled = "fulfilled"
	nameTag             = "Name"
	shebang             = "#!/bin/bash\n"
	runShellDocument    = "AWS-RunShellScript"
	cloudInitLogPath    = "/var/log/cloud-init.log"
)

type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	RequestSpotInstances(ctx context.Context, in *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error)
	DescribeSpotInstanceRequests(ctx context.Context, in *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	CreateImage(ctx context.Context, in *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	GetConsoleOutput(ctx context.Context, in *ec2.GetConsoleOutputInput, optFns ...func(*ec2.Options)) (*ec2.GetConsoleOutputOutput, error)
}

type ssmAPI interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
}

// Provider wraps the EC2 and SSM clients for one region. Construct it once at
// startup and pass it around; the clients are reused for the process lifetime.
type Provider struct {
	ec2          ec2API
	ssm          ssmAPI
	region       string
	pollInterval time.Duration
}

var _ provider.API = (*Provider)(nil)

func New(cfg aws.Config, region string) *Provider {
	return &Provider{
		ec2:          ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.Region = region }),
		ssm:          ssm.NewFromConfig(cfg, func(o *ssm.Options) { o.Region = region }),
		region:       region,
		pollInterval: spotPollInterval,
	}
}

// BuildLaunchSpec merges the configured defaults with the caller's overrides.
// Override fields win wherever both are set. Pure; resolving an image name to
// an id happens at launch time.
func BuildLaunchSpec(cfg *config.Config, ov provider.LaunchSpec) provider.LaunchSpec {
	spec := provider.LaunchSpec{
		ImageID:          cfg.ImageID,
		KeyPair:          cfg.KeyPair,
		SecurityGroups:   cfg.SecurityGroups(),
		InstanceType:     cfg.InstanceType,
		AvailabilityZone: cfg.AvailabilityZone,
		Script:           ov.Script,
	}
	if ov.Image != "" {
		spec.Image = ov.Image
		spec.ImageID = ""
	}
	if ov.ImageID != "" {
		spec.ImageID = ov.ImageID
		spec.Image = ""
	}
	if ov.KeyPair != "" {
		spec.KeyPair = ov.KeyPair
	}
	if len(ov.SecurityGroups) > 0 {
		spec.SecurityGroups = ov.SecurityGroups
	}
	if ov.InstanceType != "" {
		spec.InstanceType = ov.InstanceType
	}
	if ov.AvailabilityZone != "" {
		spec.AvailabilityZone = ov.AvailabilityZone
	}
	return spec
}

// userData is the boot script sent with a launch: a fixed interpreter line,
// then the spec's script when present.
func userData(spec provider.LaunchSpec) string {
	return shebang + spec.Script
}

func (p *Provider) resolveImageID(ctx context.Context, spec provider.LaunchSpec) (string, error) {
	if spec.ImageID != "" {
		return spec.ImageID, nil
	}
	if spec.Image == "" {
		return "", fmt.Errorf("launch spec names neither an image id nor an owned image")
	}
	images, err := p.ListOwnedImages(ctx)
	if err != nil {
		return "", err
	}
	img, ok := images[spec.Image]
	if !ok {
		return "", fmt.Errorf("no owned image named %q", spec.Image)
	}
	return img.ID, nil
}

// CreateInstances launches n on-demand instances and returns their handles
// without waiting for them to reach running. User data goes up raw on this
// path; only the spot path base64-encodes it (EC2 API contract).
func (p *Provider) CreateInstances(ctx context.Context, name string, n int, spec provider.LaunchSpec) ([]provider.Instance, error) {
	imageID, err := p.resolveImageID(ctx, spec)
	if err != nil {
		return nil, err
	}
	out, err := p.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:        aws.String(imageID),
		MinCount:       aws.Int32(int32(n)),
		MaxCount:       aws.Int32(int32(n)),
		KeyName:        aws.String(spec.KeyPair),
		UserData:       aws.String(userData(spec)),
		SecurityGroups: spec.SecurityGroups,
		InstanceType:   ec2types.InstanceType(spec.InstanceType),
		Placement:      &ec2types.Placement{AvailabilityZone: aws.String(spec.AvailabilityZone)},
	})
	if err != nil {
		return nil, fmt.Errorf("RunInstances: %w", err)
	}
	insts := make([]provider.Instance, 0, len(out.Instances))
	ids := make([]string, 0, len(out.Instances))
	for _, in := range out.Instances {
		inst := fromEC2Instance(in)
		insts = append(insts, inst)
		ids = append(ids, inst.ID)
	}
	if name != "" && len(ids) > 0 {
		if err := p.tagName(ctx, ids, name); err != nil {
			return insts, err
		}
	}
	return insts, nil
}

// RequestSpot submits a spot request for n instances at bid and blocks until
// every request reports fulfilled, then returns the resulting handles. User
// data must be base64-encoded on this path.
func (p *Provider) RequestSpot(ctx context.Context, name string, bid float64, n int, spec provider.LaunchSpec) ([]provider.Instance, error) {
	imageID, err := p.resolveImageID(ctx, spec)
	if err != nil {
		return nil, err
	}
	out, err := p.ec2.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		SpotPrice:     aws.String(strconv.FormatFloat(bid, 'f', -1, 64)),
		InstanceCount: aws.Int32(int32(n)),
		LaunchSpecification: &ec2types.RequestSpotLaunchSpecification{
			ImageId:        aws.String(imageID),
			KeyName:        aws.String(spec.KeyPair),
			UserData:       aws.String(base64.StdEncoding.EncodeToString([]byte(userData(spec)))),
			SecurityGroups: spec.SecurityGroups,
			InstanceType:   ec2types.InstanceType(spec.InstanceType),
			Placement:      &ec2types.SpotPlacement{AvailabilityZone: aws.String(spec.AvailabilityZone)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("RequestSpotInstances: %w", err)
	}
	requestIDs := make([]string, 0, len(out.SpotInstanceRequests))
	for _, r := range out.SpotInstanceRequests {
		requestIDs = append(requestIDs, aws.ToString(r.SpotInstanceRequestId))
	}

	instanceIDs, err := p.waitForSpotFulfillment(ctx, requestIDs)
	if err != nil {
		return nil, err
	}
	insts, err := p.describeInstances(ctx, instanceIDs)
	if err != nil {
		return nil, err
	}
	if name != "" && len(instanceIDs) > 0 {
		if err := p.tagName(ctx, instanceIDs, name); err != nil {
			return insts, err
		}
	}
	return insts, nil
}

// waitForSpotFulfillment polls at a fixed interval until every request's
// status code is "fulfilled". A failed status check is logged and the poll
// continues; cancelling ctx is the only other way out of the loop.
func (p *Provider) waitForSpotFulfillment(ctx context.Context, requestIDs []string) ([]string, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		desc, err := p.ec2.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
			SpotInstanceRequestIds: requestIDs,
		})
		if err != nil {
			logrus.Warnf("describe spot requests: %v", err)
		} else {
			states := make([]string, 0, len(desc.SpotInstanceRequests))
			fulfilled := len(desc.SpotInstanceRequests) > 0
			for _, r := range desc.SpotInstanceRequests {
				code := ""
				if r.Status != nil {
					code = aws.ToString(r.Status.Code)
				}
				states = append(states, code)
				if code != spotStatusFulfilled {
					fulfilled = false
				}
			}
			logrus.Infof("spot request states: %s", strings.Join(states, ", "))
			if fulfilled {
				ids := make([]string, 0, len(desc.SpotInstanceRequests))
				for _, r := range desc.SpotInstanceRequests {
					ids = append(ids, aws.ToString(r.InstanceId))
				}
				return ids, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provider) describeInstances(ctx context.Context, ids []string) ([]provider.Instance, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, fmt.Errorf("DescribeInstances: %w", err)
	}
	var insts []provider.Instance
	for _, r := range out.Reservations {
		for _, in := range r.Instances {
			insts = append(insts, fromEC2Instance(in))
		}
	}
	return insts, nil
}

// SetName applies the Name tag. Names are not unique; two instances may share
// one.
func (p *Provider) SetName(ctx context.Context, inst provider.Instance, name string) error {
	return p.tagName(ctx, []string{inst.ID}, name)
}

func (p *Provider) tagName(ctx context.Context, ids []string, name string) error {
	_, err := p.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: ids,
		Tags:      toEC2Tags(map[string]string{nameTag: name}),
	})
	if err != nil {
		return fmt.Errorf("CreateTags: %w", err)
	}
	return nil
}

// ListInstancesByName groups every instance visible to the credentials by its
// Name tag. Instances without one land under provider.UnnamedKey. Order
// within a group follows the provider's return order.
func (p *Provider) ListInstancesByName(ctx context.Context) (map[string][]provider.Instance, error) {
	byName := map[string][]provider.Instance{}
	var token *string
	for {
		out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("DescribeInstances: %w", err)
		}
		for _, r := range out.Reservations {
			for _, in := range r.Instances {
				inst := fromEC2Instance(in)
				key := inst.Name
				if key == "" {
					key = provider.UnnamedKey
				}
				byName[key] = append(byName[key], inst)
			}
		}
		if out.NextToken == nil {
			return byName, nil
		}
		token = out.NextToken
	}
}

// CreateImage snapshots the instance into a named image without rebooting it.
// It returns as soon as the request is accepted; the image stays pending
// until the provider finishes.
func (p *Provider) CreateImage(ctx context.Context, inst provider.Instance, name string) (provider.Image, error) {
	out, err := p.ec2.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId: aws.String(inst.ID),
		Name:       aws.String(name),
		NoReboot:   aws.Bool(true),
	})
	if err != nil {
		return provider.Image{}, fmt.Errorf("CreateImage: %w", err)
	}
	return provider.Image{
		ID:    aws.ToString(out.ImageId),
		Name:  name,
		State: string(ec2types.ImageStatePending),
	}, nil
}

// ListOwnedImages maps image name to handle for images owned by the current
// credentials.
func (p *Provider) ListOwnedImages(ctx context.Context) (map[string]provider.Image, error) {
	out, err := p.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{Owners: []string{"self"}})
	if err != nil {
		return nil, fmt.Errorf("DescribeImages: %w", err)
	}
	byName := make(map[string]provider.Image, len(out.Images))
	for _, img := range out.Images {
		byName[aws.ToString(img.Name)] = provider.Image{
			ID:    aws.ToString(img.ImageId),
			Name:  aws.ToString(img.Name),
			State: string(img.State),
		}
	}
	return byName, nil
}

// RunShellCommand runs cmd on the instance through SSM (AWS-RunShellScript)
// and returns the command invocation id. Output is collected by SSM, not
// here.
func (p *Provider) RunShellCommand(ctx context.Context, inst provider.Instance, cmd string) (string, error) {
	out, err := p.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{inst.ID},
		DocumentName: aws.String(runShellDocument),
		Parameters:   map[string][]string{"commands": {cmd}},
	})
	if err != nil {
		return "", fmt.Errorf("SendCommand: %w", err)
	}
	if out.Command == nil {
		return "", fmt.Errorf("SendCommand returned no command")
	}
	return aws.ToString(out.Command.CommandId), nil
}

// CloudInitLog dumps the instance's cloud-init log through SSM.
func (p *Provider) CloudInitLog(ctx context.Context, inst provider.Instance) (string, error) {
	return p.RunShellCommand(ctx, inst, "cat "+cloudInitLogPath)
}

// ConsoleOutput returns the instance's serial console output, decoded.
func (p *Provider) ConsoleOutput(ctx context.Context, inst provider.Instance) (string, error) {
	out, err := p.ec2.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{InstanceId: aws.String(inst.ID)})
	if err != nil {
		return "", fmt.Errorf("GetConsoleOutput: %w", err)
	}
	if out.Output == nil {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(out.Output))
	if err != nil {
		return "", fmt.Errorf("decode console output: %w", err)
	}
	return string(raw), nil
}

func fromEC2Instance(in ec2types.Instance) provider.Instance {
	inst := provider.Instance{
		ID:       aws.ToString(in.InstanceId),
		Name:     tagValue(in.Tags, nameTag),
		PublicIP: aws.ToString(in.PublicIpAddress),
	}
	if in.State != nil {
		inst.State = string(in.State.Name)
	}
	return inst
}

func toEC2Tags(m map[string]string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(m))
	for k, v := range m {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
