package provider

import "context"

// UnnamedKey groups instances that carry no Name tag in ListInstancesByName.
const UnnamedKey = "NONE"

// Instance is a reference to a provider-managed compute resource. The
// provider owns the resource; this carries only the fields callers act on.
type Instance struct {
	ID       string
	Name     string
	State    string
	PublicIP string
}

// Image is a reference to a machine image owned by the current credentials.
type Image struct {
	ID    string
	Name  string
	State string
}

// LaunchSpec describes an instance to launch. Image names the owned image to
// resolve at launch time; ImageID wins when both are set. Script, when
// non-empty, is appended after the interpreter line of the boot user data.
type LaunchSpec struct {
	ImageID          string
	Image            string
	KeyPair          string
	SecurityGroups   []string
	InstanceType     string
	AvailabilityZone string
	Script           string
}

// API is the cloud surface kernelbox needs. One implementation exists (EC2);
// the interface is the seam commands and tests program against.
type API interface {
	CreateInstances(ctx context.Context, name string, n int, spec LaunchSpec) ([]Instance, error)
	RequestSpot(ctx context.Context, name string, bid float64, n int, spec LaunchSpec) ([]Instance, error)
	SetName(ctx context.Context, inst Instance, name string) error
	ListInstancesByName(ctx context.Context) (map[string][]Instance, error)
	CreateImage(ctx context.Context, inst Instance, name string) (Image, error)
	ListOwnedImages(ctx context.Context) (map[string]Image, error)
	RunShellCommand(ctx context.Context, inst Instance, cmd string) (string, error)
	CloudInitLog(ctx context.Context, inst Instance) (string, error)
	ConsoleOutput(ctx context.Context, inst Instance) (string, error)
}
