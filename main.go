package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/myorg/kernelbox/pkg/config"
	"github.com/myorg/kernelbox/pkg/mirror"
	"github.com/myorg/kernelbox/pkg/provider"
	awsprovider "github.com/myorg/kernelbox/pkg/provider/aws"
	"github.com/myorg/kernelbox/pkg/remote"
	"github.com/myorg/kernelbox/pkg/tunnel"
)

// app holds the dependencies built once per invocation: the merged
// configuration, the cloud clients and the ssh runner.
type app struct {
	cfg    *config.Config
	cloud  provider.API
	runner *remote.Runner
}

func newApp(ctx context.Context, configDir string) (*app, error) {
	cfg, err := config.Load(afero.NewOsFs(), configDir)
	if err != nil {
		return nil, err
	}
	ac, err := awscfg.LoadDefaultConfig(ctx,
		awscfg.WithRegion(cfg.Region),
		awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	runner, err := remote.NewRunner(cfg)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, cloud: awsprovider.New(ac, cfg.Region), runner: runner}, nil
}

// instanceNamed returns the first running instance carrying the Name tag.
func (a *app) instanceNamed(ctx context.Context, name string) (provider.Instance, error) {
	groups, err := a.cloud.ListInstancesByName(ctx)
	if err != nil {
		return provider.Instance{}, err
	}
	for _, inst := range groups[name] {
		if inst.State == "running" {
			return inst, nil
		}
	}
	return provider.Instance{}, fmt.Errorf("no running instance named %q", name)
}

type launchFlags struct {
	image      string
	ami        string
	itype      string
	count      int
	scriptPath string
}

func (f *launchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.image, "image", "", "owned image name to launch from")
	cmd.Flags().StringVar(&f.ami, "ami", "", "concrete image id to launch from")
	cmd.Flags().StringVar(&f.itype, "type", "", "instance type override")
	cmd.Flags().IntVarP(&f.count, "count", "n", 1, "number of instances")
	cmd.Flags().StringVar(&f.scriptPath, "script", "", "boot script appended to the user data")
}

func (f *launchFlags) overrides() (provider.LaunchSpec, error) {
	ov := provider.LaunchSpec{Image: f.image, ImageID: f.ami, InstanceType: f.itype}
	if f.scriptPath != "" {
		raw, err := os.ReadFile(f.scriptPath)
		if err != nil {
			return ov, fmt.Errorf("read boot script: %w", err)
		}
		ov.Script = string(raw)
	}
	return ov, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var configDir string
	var verbose bool

	root := &cobra.Command{
		Use:           "kernelbox",
		Short:         "Provision and attach to a remote Jupyter kernel box on EC2",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding config.json and credentials.json")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	up := launchFlags{}
	upCmd := &cobra.Command{
		Use:   "up <name>",
		Short: "Launch on-demand instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			ov, err := up.overrides()
			if err != nil {
				return err
			}
			spec := awsprovider.BuildLaunchSpec(a.cfg, ov)
			insts, err := a.cloud.CreateInstances(cmd.Context(), args[0], up.count, spec)
			if err != nil {
				return err
			}
			for _, inst := range insts {
				fmt.Println(inst.ID)
			}
			return nil
		},
	}
	up.register(upCmd)

	spot := launchFlags{}
	var bid float64
	spotCmd := &cobra.Command{
		Use:   "spot <name>",
		Short: "Request spot instances and wait for fulfillment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			ov, err := spot.overrides()
			if err != nil {
				return err
			}
			spec := awsprovider.BuildLaunchSpec(a.cfg, ov)
			insts, err := a.cloud.RequestSpot(cmd.Context(), args[0], bid, spot.count, spec)
			if err != nil {
				return err
			}
			for _, inst := range insts {
				fmt.Printf("%s\t%s\n", inst.ID, inst.PublicIP)
			}
			return nil
		},
	}
	spot.register(spotCmd)
	spotCmd.Flags().Float64Var(&bid, "bid", 0, "maximum spot price in USD/hour")
	_ = spotCmd.MarkFlagRequired("bid")

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List instances grouped by Name tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			groups, err := a.cloud.ListInstancesByName(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(groups))
			for name := range groups {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Println(name)
				for _, inst := range groups[name] {
					fmt.Printf("  %s\t%s\t%s\n", inst.ID, inst.State, inst.PublicIP)
				}
			}
			return nil
		},
	}

	imagesCmd := &cobra.Command{
		Use:   "images",
		Short: "List owned images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			images, err := a.cloud.ListOwnedImages(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(images))
			for name := range images {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				img := images[name]
				fmt.Printf("%s\t%s\t%s\n", name, img.ID, img.State)
			}
			return nil
		},
	}

	snapshotCmd := &cobra.Command{
		Use:   "snapshot <name> <image-name>",
		Short: "Capture the instance's disk as a reusable image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			inst, err := a.instanceNamed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			img, err := a.cloud.CreateImage(cmd.Context(), inst, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", img.ID, img.State)
			return nil
		},
	}

	waitCmd := &cobra.Command{
		Use:   "wait <name>",
		Short: "Block until the instance finishes first boot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			inst, err := a.instanceNamed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			logrus.Infof("waiting for %s to finish booting", inst.ID)
			return a.runner.AwaitBoot(cmd.Context(), inst)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <name> <command>...",
		Short: "Run a command on the instance over ssh",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			inst, err := a.instanceNamed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			code, err := a.runner.Run(cmd.Context(), inst, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	sshCmd := &cobra.Command{
		Use:   "ssh <name>",
		Short: "Print the ssh invocation for the instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			inst, err := a.instanceNamed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(a.runner.SSHCommand(inst))
			return nil
		},
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch <name> <remote-path>",
		Short: "Copy a remote file into the local cache directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			inst, err := a.instanceNamed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			local, err := a.runner.FetchFile(cmd.Context(), inst, args[1])
			if err != nil {
				return err
			}
			fmt.Println(local)
			return nil
		},
	}

	tunnelCmd := &cobra.Command{
		Use:   "tunnel <name>",
		Short: "Forward the kernel's ports to loopback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			inst, err := a.instanceNamed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			d, err := tunnel.Fetch(cmd.Context(), a.runner, inst)
			if err != nil {
				return err
			}
			h, err := tunnel.NewOpener(a.runner).Open(cmd.Context(), inst, d)
			if err != nil {
				return err
			}
			if h != nil {
				fmt.Printf("tunnel pid %d, log %s\n", h.Pid(), h.LogPath)
			}
			return nil
		},
	}

	var syncDir string
	syncCmd := &cobra.Command{
		Use:   "sync <name>",
		Short: "Mirror the working tree to the instance on every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			inst, err := a.instanceNamed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := mirror.Start(cmd.Context(), a.runner, inst, syncDir, a.cfg.RemoteDir); err != nil {
				return err
			}
			logrus.Infof("mirroring %s to %s:%s until interrupted", syncDir, inst.ID, a.cfg.RemoteDir)
			<-cmd.Context().Done()
			return nil
		},
	}
	syncCmd.Flags().StringVar(&syncDir, "dir", ".", "directory to mirror")

	consoleCmd := &cobra.Command{
		Use:   "console <name>",
		Short: "Print the instance's serial console output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			inst, err := a.instanceNamed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := a.cloud.ConsoleOutput(cmd.Context(), inst)
			if err != nil {
				return err
			}
			if out == "" {
				out = "No output"
			}
			fmt.Println(out)
			return nil
		},
	}

	cloudInitCmd := &cobra.Command{
		Use:   "cloudinit <name>",
		Short: "Dump the instance's cloud-init log through SSM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			inst, err := a.instanceNamed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			id, err := a.cloud.CloudInitLog(cmd.Context(), inst)
			if err != nil {
				return err
			}
			fmt.Printf("ssm command %s\n", id)
			return nil
		},
	}

	root.AddCommand(upCmd, spotCmd, lsCmd, imagesCmd, snapshotCmd, waitCmd, runCmd, sshCmd, fetchCmd, tunnelCmd, syncCmd, consoleCmd, cloudInitCmd)

	if err := root.ExecuteContext(ctx); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
