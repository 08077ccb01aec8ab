package keyhandler

import (
	"fmt"
	"strconv"
	"time"
)

// Defaults applied when the resource omits retry settings.
const (
	DefaultMaxAttempts  = 10
	DefaultDelaySeconds = 5
)

// Properties are the custom resource properties the handler reads.
// CloudFormation delivers every scalar as a string.
type Properties struct {
	KeyPairID   string
	KeyPairName string
	SecretName  string
	MaxAttempts int
	Delay       time.Duration
}

// ParameterName is the SSM parameter EC2 writes the private key material to.
func (p Properties) ParameterName() string {
	return "/ec2/keypair/" + p.KeyPairID
}

// ParseProperties reads and validates resource properties.
func ParseProperties(m map[string]interface{}) (Properties, error) {
	p := Properties{
		KeyPairID:   str(m, "KeyPairId"),
		KeyPairName: str(m, "KeyPairName"),
		SecretName:  str(m, "SecretName"),
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelaySeconds * time.Second,
	}
	if p.KeyPairID == "" {
		return p, fmt.Errorf("missing required property KeyPairId")
	}
	if p.SecretName == "" {
		return p, fmt.Errorf("missing required property SecretName")
	}

	if v := str(m, "MaxAttempts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("invalid MaxAttempts %q: must be a positive integer", v)
		}
		p.MaxAttempts = n
	}
	if v := str(m, "DelaySeconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("invalid DelaySeconds %q: must be a positive integer", v)
		}
		p.Delay = time.Duration(n) * time.Second
	}
	return p, nil
}

func str(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
