package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// DefaultFile is the configuration file looked up in the working directory.
const DefaultFile = "n8nhost.toml"

// LoadFile decodes a TOML configuration file. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	var c Config
	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Save writes c as TOML to path.
func Save(path string, c Config) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Merge returns c with every non-zero field of o applied on top.
func (c Config) Merge(o Config) Config {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Account, o.Account)
	set(&c.Region, o.Region)
	set(&c.StackName, o.StackName)
	set(&c.DomainName, o.DomainName)
	set(&c.InstanceType, o.InstanceType)
	set(&c.SSHCIDR, o.SSHCIDR)
	set(&c.ACMEEmail, o.ACMEEmail)
	set(&c.KeyName, o.KeyName)
	set(&c.N8NVersion, o.N8NVersion)
	set(&c.Timezone, o.Timezone)
	set(&c.AssetBucket, o.AssetBucket)
	set(&c.HandlerArch, o.HandlerArch)
	set(&c.EndpointURL, o.EndpointURL)
	if o.VolumeSizeGiB != 0 {
		c.VolumeSizeGiB = o.VolumeSizeGiB
	}
	if o.CreateKeyPair != nil {
		v := *o.CreateKeyPair
		c.CreateKeyPair = &v
	}
	return c
}
