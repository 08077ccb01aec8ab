package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CDK_DEFAULT_ACCOUNT", "AWS_ACCOUNT_ID", "CDK_DEFAULT_REGION", "AWS_REGION",
		"N8N_STACK_NAME", "DOMAIN_NAME", "INSTANCE_TYPE", "SSH_ALLOWED_CIDR", "ACME_EMAIL",
		"N8N_VOLUME_SIZE", "N8N_CREATE_KEY_PAIR", "N8N_KEY_NAME", "N8N_VERSION",
		"N8N_TIMEZONE", "N8N_ASSET_BUCKET", "N8N_HANDLER_ARCH", "AWS_ENDPOINT_URL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.True(t, c.KeyPairEnabled())
	assert.Equal(t, "x86_64", c.Architecture())
	assert.Len(t, c.Warnings(), 2)
}

func TestConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CDK_DEFAULT_ACCOUNT", "123456789012")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("DOMAIN_NAME", "flows.keysely.com")
	t.Setenv("INSTANCE_TYPE", "t4g.large")
	t.Setenv("SSH_ALLOWED_CIDR", "203.0.113.7/32")
	t.Setenv("N8N_VOLUME_SIZE", "50")
	t.Setenv("N8N_CREATE_KEY_PAIR", "false")

	c, err := ConfigFromEnv(Default())
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, "123456789012", c.Account)
	assert.Equal(t, "eu-west-1", c.Region)
	assert.Equal(t, "flows.keysely.com", c.DomainName)
	assert.Equal(t, "t4g.large", c.InstanceType)
	assert.Equal(t, "203.0.113.7/32", c.SSHCIDR)
	assert.Equal(t, 50, c.VolumeSizeGiB)
	assert.False(t, c.KeyPairEnabled())
	assert.Equal(t, "arm64", c.Architecture())
	assert.Empty(t, c.Warnings())
}

func TestCDKRegionWinsOverAWSRegion(t *testing.T) {
	clearEnv(t)
	t.Setenv("CDK_DEFAULT_REGION", "us-west-2")
	t.Setenv("AWS_REGION", "eu-west-1")
	c, err := ConfigFromEnv(Default())
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", c.Region)
}

func TestConfigFromEnvReportsMalformedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("N8N_CREATE_KEY_PAIR", "no")
	t.Setenv("N8N_VOLUME_SIZE", "50GiB")

	_, err := ConfigFromEnv(Default())
	require.Error(t, err)
	assert.ErrorContains(t, err, "N8N_CREATE_KEY_PAIR")
	assert.ErrorContains(t, err, "N8N_VOLUME_SIZE")

	_, err = Load("")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"empty domain":      func(c *Config) { c.DomainName = "" },
		"single label":      func(c *Config) { c.DomainName = "localhost" },
		"uppercase label":   func(c *Config) { c.DomainName = "N8N.example.com" },
		"bad instance type": func(c *Config) { c.InstanceType = "large" },
		"bad cidr":          func(c *Config) { c.SSHCIDR = "10.0.0.1" },
		"bad stack name":    func(c *Config) { c.StackName = "1stack" },
		"tiny volume":       func(c *Config) { c.VolumeSizeGiB = 4 },
		"short account":     func(c *Config) { c.Account = "1234" },
		"bad arch":          func(c *Config) { c.HandlerArch = "riscv64" },
		"bad email":         func(c *Config) { c.ACMEEmail = "nobody" },
		"email with brace":  func(c *Config) { c.ACMEEmail = "ops@keysely.com }" },
		"email with name":   func(c *Config) { c.ACMEEmail = "Ops <ops@keysely.com>" },
		"key name and create": func(c *Config) {
			yes := true
			c.KeyName = "ops"
			c.CreateKeyPair = &yes
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestKeyNameDisablesKeyPair(t *testing.T) {
	c := Default()
	c.KeyName = "ops"
	require.NoError(t, c.Validate())
	assert.False(t, c.KeyPairEnabled())
}

func TestArchitecture(t *testing.T) {
	cases := map[string]string{
		"t3.medium":   "x86_64",
		"t3a.small":   "x86_64",
		"t4g.small":   "arm64",
		"c6gn.large":  "arm64",
		"m7i.xlarge":  "x86_64",
		"g5.xlarge":   "x86_64",
		"g5g.xlarge":  "arm64",
		"r8g.2xlarge": "arm64",
		"a1.large":    "arm64",
	}
	for it, want := range cases {
		c := Default()
		c.InstanceType = it
		assert.Equal(t, want, c.Architecture(), it)
	}
}

func TestContactEmail(t *testing.T) {
	c := Default()
	assert.Equal(t, "admin@example.com", c.ContactEmail())
	c.DomainName = "keysely.com"
	assert.Equal(t, "admin@keysely.com", c.ContactEmail())
	c.ACMEEmail = "ops@keysely.com"
	require.NoError(t, c.Validate())
	assert.Equal(t, "ops@keysely.com", c.ContactEmail())
}

func TestAssetBucketName(t *testing.T) {
	c := Default()
	c.Account = "123456789012"
	assert.Equal(t, "n8nhost-assets-123456789012-us-east-1", c.AssetBucketName())
	c.AssetBucket = "mine"
	assert.Equal(t, "mine", c.AssetBucketName())
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(`
domain_name = "file.keysely.com"
instance_type = "t3.large"
volume_size_gib = 40
create_key_pair = false
`), 0o644))
	t.Setenv("INSTANCE_TYPE", "t3.xlarge")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file.keysely.com", c.DomainName)
	assert.Equal(t, "t3.xlarge", c.InstanceType)
	assert.Equal(t, 40, c.VolumeSizeGiB)
	assert.Equal(t, DefaultSSHCIDR, c.SSHCIDR)
	assert.False(t, c.KeyPairEnabled())
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte("domian_name = \"typo.example.com\"\n"), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	c := Default()
	c.DomainName = "flows.keysely.com"
	require.NoError(t, Save(path, c))

	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}
