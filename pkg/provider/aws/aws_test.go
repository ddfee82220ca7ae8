package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myorg/kernelbox/pkg/config"
	"github.com/myorg/kernelbox/pkg/provider"
)

type fakeEC2 struct {
	runInputs  []*ec2.RunInstancesInput
	runOutput  *ec2.RunInstancesOutput
	spotInputs []*ec2.RequestSpotInstancesInput
	spotOutput *ec2.RequestSpotInstancesOutput

	describeSpotCalls int
	// one entry per expected DescribeSpotInstanceRequests call: either an
	// error or a list of status codes
	spotPolls []spotPoll

	describeInputs  []*ec2.DescribeInstancesInput
	describeOutputs []*ec2.DescribeInstancesOutput

	tagInputs []*ec2.CreateTagsInput

	createImageInputs []*ec2.CreateImageInput
	createImageOutput *ec2.CreateImageOutput

	describeImagesInputs []*ec2.DescribeImagesInput
	describeImagesOutput *ec2.DescribeImagesOutput

	consoleOutput *ec2.GetConsoleOutputOutput
}

type spotPoll struct {
	err        error
	statuses   []string
	instanceID string
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runInputs = append(f.runInputs, in)
	if f.runOutput != nil {
		return f.runOutput, nil
	}
	return &ec2.RunInstancesOutput{}, nil
}

func (f *fakeEC2) RequestSpotInstances(ctx context.Context, in *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	f.spotInputs = append(f.spotInputs, in)
	if f.spotOutput != nil {
		return f.spotOutput, nil
	}
	return &ec2.RequestSpotInstancesOutput{
		SpotInstanceRequests: []ec2types.SpotInstanceRequest{
			{SpotInstanceRequestId: aws.String("sir-1")},
		},
	}, nil
}

// DescribeSpotInstanceRequests replays the scripted polls; once they run out
// it keeps returning the last one.
func (f *fakeEC2) DescribeSpotInstanceRequests(ctx context.Context, in *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	i := f.describeSpotCalls
	if i >= len(f.spotPolls) {
		i = len(f.spotPolls) - 1
	}
	poll := f.spotPolls[i]
	f.describeSpotCalls++
	if poll.err != nil {
		return nil, poll.err
	}
	out := &ec2.DescribeSpotInstanceRequestsOutput{}
	for i, code := range poll.statuses {
		r := ec2types.SpotInstanceRequest{
			SpotInstanceRequestId: aws.String(in.SpotInstanceRequestIds[i]),
			Status:                &ec2types.SpotInstanceStatus{Code: aws.String(code)},
		}
		if code == spotStatusFulfilled {
			r.InstanceId = aws.String(poll.instanceID)
		}
		out.SpotInstanceRequests = append(out.SpotInstanceRequests, r)
	}
	return out, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.describeInputs = append(f.describeInputs, in)
	if len(f.describeOutputs) == 0 {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	out := f.describeOutputs[0]
	f.describeOutputs = f.describeOutputs[1:]
	return out, nil
}

func (f *fakeEC2) CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.tagInputs = append(f.tagInputs, in)
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) CreateImage(ctx context.Context, in *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error) {
	f.createImageInputs = append(f.createImageInputs, in)
	if f.createImageOutput != nil {
		return f.createImageOutput, nil
	}
	return &ec2.CreateImageOutput{ImageId: aws.String("ami-new")}, nil
}

func (f *fakeEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.describeImagesInputs = append(f.describeImagesInputs, in)
	if f.describeImagesOutput != nil {
		return f.describeImagesOutput, nil
	}
	return &ec2.DescribeImagesOutput{}, nil
}

func (f *fakeEC2) GetConsoleOutput(ctx context.Context, in *ec2.GetConsoleOutputInput, optFns ...func(*ec2.Options)) (*ec2.GetConsoleOutputOutput, error) {
	if f.consoleOutput != nil {
		return f.consoleOutput, nil
	}
	return &ec2.GetConsoleOutputOutput{}, nil
}

type fakeSSM struct {
	inputs []*ssm.SendCommandInput
}

func (f *fakeSSM) SendCommand(ctx context.Context, in *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	f.inputs = append(f.inputs, in)
	return &ssm.SendCommandOutput{}, nil
}

func newTestProvider(t *testing.T, f *fakeEC2) *Provider {
	t.Helper()
	return &Provider{ec2: f, ssm: &fakeSSM{}, region: "eu-west-1", pollInterval: time.Millisecond}
}

func testConfig() *config.Config {
	return &config.Config{
		Region:            "eu-west-1",
		AvailabilityZone:  "eu-west-1a",
		KeyPair:           "devbox",
		SSHGroup:          "ssh-access",
		MutualAccessGroup: "mutual-access",
		InstanceType:      config.DefaultInstanceType,
		ImageID:           "ami-default",
	}
}

func TestBuildLaunchSpecDefaults(t *testing.T) {
	cfg := testConfig()

	first := BuildLaunchSpec(cfg, provider.LaunchSpec{})
	second := BuildLaunchSpec(cfg, provider.LaunchSpec{})
	require.Equal(t, first, second)

	assert.Equal(t, "ami-default", first.ImageID)
	assert.Equal(t, "devbox", first.KeyPair)
	assert.Equal(t, []string{"ssh-access", "mutual-access"}, first.SecurityGroups)
	assert.Equal(t, config.DefaultInstanceType, first.InstanceType)
	assert.Equal(t, "eu-west-1a", first.AvailabilityZone)
}

func TestBuildLaunchSpecOverridesWin(t *testing.T) {
	cfg := testConfig()
	spec := BuildLaunchSpec(cfg, provider.LaunchSpec{
		InstanceType:     "p3.2xlarge",
		AvailabilityZone: "eu-west-1c",
		Script:           "pip install dask",
	})
	assert.Equal(t, "p3.2xlarge", spec.InstanceType)
	assert.Equal(t, "eu-west-1c", spec.AvailabilityZone)
	assert.Equal(t, "pip install dask", spec.Script)

	// an image name override displaces the default image id
	named := BuildLaunchSpec(cfg, provider.LaunchSpec{Image: "jupyter-base"})
	assert.Equal(t, "jupyter-base", named.Image)
	assert.Empty(t, named.ImageID)
}

func TestCreateInstancesSendsRawUserData(t *testing.T) {
	f := &fakeEC2{
		runOutput: &ec2.RunInstancesOutput{Instances: []ec2types.Instance{
			{InstanceId: aws.String("i-1")},
			{InstanceId: aws.String("i-2")},
		}},
	}
	p := newTestProvider(t, f)
	spec := BuildLaunchSpec(testConfig(), provider.LaunchSpec{Script: "echo hi"})

	insts, err := p.CreateInstances(context.Background(), "dev", 2, spec)
	require.NoError(t, err)
	require.Len(t, insts, 2)

	require.Len(t, f.runInputs, 1)
	in := f.runInputs[0]
	assert.Equal(t, "#!/bin/bash\necho hi", aws.ToString(in.UserData))
	assert.Equal(t, int32(2), aws.ToInt32(in.MinCount))
	assert.Equal(t, int32(2), aws.ToInt32(in.MaxCount))
	assert.Equal(t, "ami-default", aws.ToString(in.ImageId))
	assert.Equal(t, []string{"ssh-access", "mutual-access"}, in.SecurityGroups)

	// both instances tagged with the name in one call
	require.Len(t, f.tagInputs, 1)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, f.tagInputs[0].Resources)
	require.Len(t, f.tagInputs[0].Tags, 1)
	assert.Equal(t, "Name", aws.ToString(f.tagInputs[0].Tags[0].Key))
	assert.Equal(t, "dev", aws.ToString(f.tagInputs[0].Tags[0].Value))
}

func TestRequestSpotEncodesUserDataAndPolls(t *testing.T) {
	f := &fakeEC2{
		spotPolls: []spotPoll{
			{statuses: []string{"pending-evaluation"}},
			{statuses: []string{"pending-fulfillment"}},
			{statuses: []string{spotStatusFulfilled}, instanceID: "i-spot"},
		},
		describeOutputs: []*ec2.DescribeInstancesOutput{{
			Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{{
				InstanceId:      aws.String("i-spot"),
				PublicIpAddress: aws.String("198.51.100.7"),
				State:           &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			}}}},
		}},
	}
	p := newTestProvider(t, f)
	spec := BuildLaunchSpec(testConfig(), provider.LaunchSpec{Script: "echo hi"})

	insts, err := p.RequestSpot(context.Background(), "dev", 0.15, 1, spec)
	require.NoError(t, err)

	// exactly one status check per scripted poll cycle
	assert.Equal(t, 3, f.describeSpotCalls)
	require.Len(t, insts, 1)
	assert.Equal(t, "i-spot", insts[0].ID)
	assert.Equal(t, "198.51.100.7", insts[0].PublicIP)

	require.Len(t, f.spotInputs, 1)
	in := f.spotInputs[0]
	assert.Equal(t, "0.15", aws.ToString(in.SpotPrice))
	encoded := base64.StdEncoding.EncodeToString([]byte("#!/bin/bash\necho hi"))
	assert.Equal(t, encoded, aws.ToString(in.LaunchSpecification.UserData))
}

func TestRequestSpotTransientErrorKeepsPolling(t *testing.T) {
	f := &fakeEC2{
		spotPolls: []spotPoll{
			{err: errors.New("throttled")},
			{statuses: []string{spotStatusFulfilled}, instanceID: "i-spot"},
		},
		describeOutputs: []*ec2.DescribeInstancesOutput{{
			Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{{
				InstanceId: aws.String("i-spot"),
			}}}},
		}},
	}
	p := newTestProvider(t, f)

	insts, err := p.RequestSpot(context.Background(), "", 0.1, 1, BuildLaunchSpec(testConfig(), provider.LaunchSpec{}))
	require.NoError(t, err)
	assert.Equal(t, 2, f.describeSpotCalls)
	require.Len(t, insts, 1)
}

func TestRequestSpotCancellation(t *testing.T) {
	f := &fakeEC2{
		// never fulfills
		spotPolls: []spotPoll{{statuses: []string{"pending-fulfillment"}}},
	}
	p := newTestProvider(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.RequestSpot(ctx, "", 0.1, 1, BuildLaunchSpec(testConfig(), provider.LaunchSpec{}))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListInstancesByNameGroups(t *testing.T) {
	named := func(id, name, ip string) ec2types.Instance {
		return ec2types.Instance{
			InstanceId:      aws.String(id),
			PublicIpAddress: aws.String(ip),
			State:           &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			Tags:            []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
		}
	}
	f := &fakeEC2{
		describeOutputs: []*ec2.DescribeInstancesOutput{
			{
				Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{
					named("i-1", "dev", "203.0.113.1"),
					{InstanceId: aws.String("i-2")}, // no Name tag
				}}},
				NextToken: aws.String("page-2"),
			},
			{
				Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{
					named("i-3", "dev", "203.0.113.3"),
				}}},
			},
		},
	}
	p := newTestProvider(t, f)

	groups, err := p.ListInstancesByName(context.Background())
	require.NoError(t, err)

	require.Len(t, groups["dev"], 2)
	assert.Equal(t, "i-1", groups["dev"][0].ID)
	assert.Equal(t, "i-3", groups["dev"][1].ID)
	require.Len(t, groups[provider.UnnamedKey], 1)
	assert.Equal(t, "i-2", groups[provider.UnnamedKey][0].ID)

	// pagination followed the token
	require.Len(t, f.describeInputs, 2)
	assert.Equal(t, "page-2", aws.ToString(f.describeInputs[1].NextToken))
}

func TestSetName(t *testing.T) {
	f := &fakeEC2{}
	p := newTestProvider(t, f)

	err := p.SetName(context.Background(), provider.Instance{ID: "i-1"}, "scratch")
	require.NoError(t, err)
	require.Len(t, f.tagInputs, 1)
	assert.Equal(t, []string{"i-1"}, f.tagInputs[0].Resources)
	assert.Equal(t, "scratch", aws.ToString(f.tagInputs[0].Tags[0].Value))
}

func TestCreateImageDoesNotReboot(t *testing.T) {
	f := &fakeEC2{}
	p := newTestProvider(t, f)

	img, err := p.CreateImage(context.Background(), provider.Instance{ID: "i-1"}, "jupyter-base")
	require.NoError(t, err)
	assert.Equal(t, "ami-new", img.ID)
	assert.Equal(t, string(ec2types.ImageStatePending), img.State)

	require.Len(t, f.createImageInputs, 1)
	in := f.createImageInputs[0]
	assert.Equal(t, "i-1", aws.ToString(in.InstanceId))
	assert.True(t, aws.ToBool(in.NoReboot))
}

func TestListOwnedImages(t *testing.T) {
	f := &fakeEC2{
		describeImagesOutput: &ec2.DescribeImagesOutput{Images: []ec2types.Image{
			{ImageId: aws.String("ami-1"), Name: aws.String("jupyter-base"), State: ec2types.ImageStateAvailable},
			{ImageId: aws.String("ami-2"), Name: aws.String("jupyter-gpu"), State: ec2types.ImageStatePending},
		}},
	}
	p := newTestProvider(t, f)

	images, err := p.ListOwnedImages(context.Background())
	require.NoError(t, err)
	require.Len(t, f.describeImagesInputs, 1)
	assert.Equal(t, []string{"self"}, f.describeImagesInputs[0].Owners)

	require.Contains(t, images, "jupyter-base")
	assert.Equal(t, "ami-1", images["jupyter-base"].ID)
	assert.Equal(t, string(ec2types.ImageStateAvailable), images["jupyter-base"].State)
}

func TestLaunchResolvesImageName(t *testing.T) {
	f := &fakeEC2{
		describeImagesOutput: &ec2.DescribeImagesOutput{Images: []ec2types.Image{
			{ImageId: aws.String("ami-named"), Name: aws.String("jupyter-base"), State: ec2types.ImageStateAvailable},
		}},
		runOutput: &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{InstanceId: aws.String("i-1")}}},
	}
	p := newTestProvider(t, f)
	spec := BuildLaunchSpec(testConfig(), provider.LaunchSpec{Image: "jupyter-base"})

	_, err := p.CreateInstances(context.Background(), "", 1, spec)
	require.NoError(t, err)
	require.Len(t, f.runInputs, 1)
	assert.Equal(t, "ami-named", aws.ToString(f.runInputs[0].ImageId))
}

func TestRunShellCommand(t *testing.T) {
	s := &fakeSSM{}
	p := &Provider{ec2: &fakeEC2{}, ssm: s, pollInterval: time.Millisecond}

	_, err := p.CloudInitLog(context.Background(), provider.Instance{ID: "i-1"})
	// the fake returns no Command; the wrapper reports that rather than panicking
	require.Error(t, err)

	require.Len(t, s.inputs, 1)
	in := s.inputs[0]
	assert.Equal(t, []string{"i-1"}, in.InstanceIds)
	assert.Equal(t, runShellDocument, aws.ToString(in.DocumentName))
	assert.Equal(t, []string{"cat " + cloudInitLogPath}, in.Parameters["commands"])
}
