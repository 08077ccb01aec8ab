package config

import (
	"errors"
	"fmt"
	"net"
	"net/mail"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Config holds the inputs that select the deployed topology.
type Config struct {
	Account       string `toml:"account,omitempty"`
	Region        string `toml:"region,omitempty"`
	StackName     string `toml:"stack_name,omitempty"`
	DomainName    string `toml:"domain_name,omitempty"`
	InstanceType  string `toml:"instance_type,omitempty"`
	SSHCIDR       string `toml:"ssh_cidr,omitempty"`
	ACMEEmail     string `toml:"acme_email,omitempty"`
	VolumeSizeGiB int    `toml:"volume_size_gib,omitempty"`
	CreateKeyPair *bool  `toml:"create_key_pair,omitempty"`
	KeyName       string `toml:"key_name,omitempty"`
	N8NVersion    string `toml:"n8n_version,omitempty"`
	Timezone      string `toml:"timezone,omitempty"`
	AssetBucket   string `toml:"asset_bucket,omitempty"`
	HandlerArch   string `toml:"handler_arch,omitempty"`
	EndpointURL   string `toml:"endpoint_url,omitempty"` // Custom endpoint URL for simulator mode
}

const (
	DefaultRegion        = "us-east-1"
	DefaultStackName     = "N8nStack"
	DefaultDomainName    = "n8n.example.com"
	DefaultInstanceType  = "t3.medium"
	DefaultSSHCIDR       = "0.0.0.0/0"
	DefaultVolumeSizeGiB = 30
	DefaultN8NVersion    = "latest"
	DefaultTimezone      = "UTC"
	DefaultHandlerArch   = "arm64"
)

// Default returns a configuration with every optional field filled in.
func Default() Config {
	return Config{
		Region:        DefaultRegion,
		StackName:     DefaultStackName,
		DomainName:    DefaultDomainName,
		InstanceType:  DefaultInstanceType,
		SSHCIDR:       DefaultSSHCIDR,
		VolumeSizeGiB: DefaultVolumeSizeGiB,
		N8NVersion:    DefaultN8NVersion,
		Timezone:      DefaultTimezone,
		HandlerArch:   DefaultHandlerArch,
	}
}

// ConfigFromEnv overlays environment variables on top of base. Values that
// do not parse are reported together rather than ignored.
func ConfigFromEnv(base Config) (Config, error) {
	c := base
	var errs []error
	c.Account = firstEnv(c.Account, "CDK_DEFAULT_ACCOUNT", "AWS_ACCOUNT_ID")
	c.Region = firstEnv(c.Region, "CDK_DEFAULT_REGION", "AWS_REGION")
	c.StackName = envOrDefault("N8N_STACK_NAME", c.StackName)
	c.DomainName = envOrDefault("DOMAIN_NAME", c.DomainName)
	c.InstanceType = envOrDefault("INSTANCE_TYPE", c.InstanceType)
	c.SSHCIDR = envOrDefault("SSH_ALLOWED_CIDR", c.SSHCIDR)
	c.ACMEEmail = envOrDefault("ACME_EMAIL", c.ACMEEmail)
	if v := os.Getenv("N8N_VOLUME_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("N8N_VOLUME_SIZE=%q: expected a whole number of GiB", v))
		} else {
			c.VolumeSizeGiB = n
		}
	}
	if v := os.Getenv("N8N_CREATE_KEY_PAIR"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("N8N_CREATE_KEY_PAIR=%q: expected true or false", v))
		} else {
			c.CreateKeyPair = &b
		}
	}
	c.KeyName = envOrDefault("N8N_KEY_NAME", c.KeyName)
	c.N8NVersion = envOrDefault("N8N_VERSION", c.N8NVersion)
	c.Timezone = envOrDefault("N8N_TIMEZONE", c.Timezone)
	c.AssetBucket = envOrDefault("N8N_ASSET_BUCKET", c.AssetBucket)
	c.HandlerArch = envOrDefault("N8N_HANDLER_ARCH", c.HandlerArch)
	c.EndpointURL = envOrDefault("AWS_ENDPOINT_URL", c.EndpointURL)
	return c, errors.Join(errs...)
}

// Load reads the optional TOML file at path and applies the environment.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return c, err
		}
		c = c.Merge(fileCfg)
	}
	return ConfigFromEnv(c)
}

var (
	hostnameLabel   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	instanceTypeRe  = regexp.MustCompile(`^[a-z][a-z0-9-]*\.[a-z0-9]+$`)
	stackNameRe     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]{0,127}$`)
	accountRe       = regexp.MustCompile(`^[0-9]{12}$`)
	instanceFamilyR = regexp.MustCompile(`^[a-z]+([0-9]+)([a-z-]*)$`)
)

// Validate checks required configuration.
func (c Config) Validate() error {
	if err := ValidateDomain(c.DomainName); err != nil {
		return err
	}
	if !instanceTypeRe.MatchString(c.InstanceType) {
		return fmt.Errorf("invalid instance type %q (expected family.size, e.g. t3.medium)", c.InstanceType)
	}
	if _, _, err := net.ParseCIDR(c.SSHCIDR); err != nil {
		return fmt.Errorf("invalid SSH CIDR %q: %w", c.SSHCIDR, err)
	}
	if !stackNameRe.MatchString(c.StackName) {
		return fmt.Errorf("invalid stack name %q", c.StackName)
	}
	if c.VolumeSizeGiB < 8 || c.VolumeSizeGiB > 16384 {
		return fmt.Errorf("volume size %d GiB out of range (8-16384)", c.VolumeSizeGiB)
	}
	if c.Account != "" && !accountRe.MatchString(c.Account) {
		return fmt.Errorf("invalid account id %q (expected 12 digits)", c.Account)
	}
	switch c.HandlerArch {
	case "arm64", "x86_64":
	default:
		return fmt.Errorf("invalid handler architecture %q (expected arm64 or x86_64)", c.HandlerArch)
	}
	if c.KeyName != "" && c.CreateKeyPair != nil && *c.CreateKeyPair {
		return fmt.Errorf("key name %q given together with key pair creation", c.KeyName)
	}
	if c.ACMEEmail != "" {
		if err := validateEmail(c.ACMEEmail); err != nil {
			return err
		}
	}
	return nil
}

// Warnings returns non-fatal observations about the configuration.
func (c Config) Warnings() []string {
	var w []string
	if c.SSHCIDR == "0.0.0.0/0" || c.SSHCIDR == "::/0" {
		w = append(w, "SSH is open to the whole internet; set SSH_ALLOWED_CIDR to restrict it")
	}
	if c.DomainName == DefaultDomainName {
		w = append(w, "using the placeholder domain "+DefaultDomainName+"; certificate issuance will fail")
	}
	return w
}

// ValidateDomain checks that name is a fully qualified RFC 1123 hostname.
func ValidateDomain(name string) error {
	if name == "" {
		return fmt.Errorf("domain name is required")
	}
	if len(name) > 253 {
		return fmt.Errorf("domain name %q is too long", name)
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain name %q must have at least two labels", name)
	}
	for _, l := range labels {
		if !hostnameLabel.MatchString(l) {
			return fmt.Errorf("invalid domain name %q (label %q)", name, l)
		}
	}
	return nil
}

// validateEmail accepts a bare address with no display name. It is written
// verbatim into the Caddyfile global block, so whitespace and braces are
// rejected.
func validateEmail(email string) error {
	if strings.ContainsAny(email, " \t\r\n{}") {
		return fmt.Errorf("invalid ACME email %q", email)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid ACME email %q", email)
	}
	return nil
}

// KeyPairEnabled reports whether the stack creates its own key pair.
func (c Config) KeyPairEnabled() bool {
	if c.KeyName != "" {
		return false
	}
	return c.CreateKeyPair == nil || *c.CreateKeyPair
}

// ContactEmail returns the ACME registration email.
func (c Config) ContactEmail() string {
	if c.ACMEEmail != "" {
		return c.ACMEEmail
	}
	parent := c.DomainName
	if i := strings.IndexByte(parent, '.'); i >= 0 && strings.Count(parent, ".") > 1 {
		parent = parent[i+1:]
	}
	return "admin@" + parent
}

// Architecture returns the CPU architecture of the configured instance type.
// Graviton families carry a "g" in the suffix after the generation digit;
// the first generation is the "a1" family.
func (c Config) Architecture() string {
	family, _, _ := strings.Cut(c.InstanceType, ".")
	if family == "a1" {
		return "arm64"
	}
	m := instanceFamilyR.FindStringSubmatch(family)
	if m != nil && strings.Contains(m[2], "g") {
		return "arm64"
	}
	return "x86_64"
}

// AssetBucketName returns the bucket used for handler code and large templates.
func (c Config) AssetBucketName() string {
	if c.AssetBucket != "" {
		return c.AssetBucket
	}
	return fmt.Sprintf("n8nhost-assets-%s-%s", c.Account, c.Region)
}

// SecretName is the Secrets Manager name holding the generated private key.
func (c Config) SecretName() string {
	return c.StackName + "/ssh-private-key"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}
