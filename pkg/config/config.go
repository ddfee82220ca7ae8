// Package config loads the workstation-side settings for kernelbox: one
// general settings file plus one secrets file, merged into a single mapping.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	// SettingsFile holds the non-secret settings (region, groups, key pair).
	SettingsFile = "config.json"
	// CredentialsFile holds the AWS access key pair. Values in it override
	// SettingsFile on key collisions.
	CredentialsFile = "credentials.json"
)

// Keys that must be present after merging both files.
const (
	KeyAccessKey         = "AWS_KEY"
	KeySecretKey         = "AWS_SECRET"
	KeyRegion            = "REGION"
	KeyAvailabilityZone  = "AVAILABILITY_ZONE"
	KeyKeyPair           = "KEYPAIR"
	KeySSHGroup          = "SSH_GROUP"
	KeyMutualAccessGroup = "MUTUAL_ACCESS_GROUP"
)

// Optional keys with built-in defaults.
const (
	KeyInstanceType = "INSTANCE_TYPE"
	KeyImageID      = "IMAGE_ID"
	KeyUser         = "SSH_USER"
	KeyRemoteDir    = "REMOTE_DIR"
)

const (
	DefaultImageID      = "ami-065ef4c5569ad0325"
	DefaultInstanceType = "t3.xlarge"
	DefaultUser         = "ec2-user"
	DefaultRemoteDir    = "code"
)

var requiredKeys = []string{
	KeyAccessKey,
	KeySecretKey,
	KeyRegion,
	KeyAvailabilityZone,
	KeyKeyPair,
	KeySSHGroup,
	KeyMutualAccessGroup,
}

// MissingKeyError reports a required key absent from the merged configuration.
type MissingKeyError struct {
	Key string
}

func (e MissingKeyError) Error() string {
	return fmt.Sprintf("configuration key %q missing after merging %s and %s", e.Key, SettingsFile, CredentialsFile)
}

// Config is the merged, validated configuration. It is built once per load
// and never mutated afterwards.
type Config struct {
	AccessKey         string
	SecretKey         string
	Region            string
	AvailabilityZone  string
	KeyPair           string
	SSHGroup          string
	MutualAccessGroup string

	InstanceType string
	ImageID      string
	User         string
	RemoteDir    string
}

// SecurityGroups returns the two groups every launch attaches.
func (c *Config) SecurityGroups() []string {
	return []string{c.SSHGroup, c.MutualAccessGroup}
}

// Load reads and merges both configuration files from dir. A missing file
// surfaces the filesystem's not-exist error; a missing required key is a
// MissingKeyError. Load re-reads on every call and performs no network IO.
func Load(fs afero.Fs, dir string) (*Config, error) {
	merged := map[string]string{}
	for _, name := range []string{SettingsFile, CredentialsFile} {
		path := filepath.Join(dir, name)
		raw, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		part := map[string]string{}
		if err := json.Unmarshal(raw, &part); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for k, v := range part {
			merged[k] = v
		}
	}

	for _, k := range requiredKeys {
		if merged[k] == "" {
			return nil, MissingKeyError{Key: k}
		}
	}

	cfg := &Config{
		AccessKey:         merged[KeyAccessKey],
		SecretKey:         merged[KeySecretKey],
		Region:            merged[KeyRegion],
		AvailabilityZone:  merged[KeyAvailabilityZone],
		KeyPair:           merged[KeyKeyPair],
		SSHGroup:          merged[KeySSHGroup],
		MutualAccessGroup: merged[KeyMutualAccessGroup],
		InstanceType:      merged[KeyInstanceType],
		ImageID:           merged[KeyImageID],
		User:              merged[KeyUser],
		RemoteDir:         merged[KeyRemoteDir],
	}
	if cfg.InstanceType == "" {
		cfg.InstanceType = DefaultInstanceType
	}
	if cfg.ImageID == "" {
		cfg.ImageID = DefaultImageID
	}
	if cfg.User == "" {
		cfg.User = DefaultUser
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = DefaultRemoteDir
	}
	return cfg, nil
}
