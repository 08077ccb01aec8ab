package deploy

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/crypto/ssh"

	"github.com/onimenotsuki/keysely-n8n-infra/stack"
)

// SecretsAPI is the subset of the Secrets Manager client used to fetch the key.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// PrivateKey is the generated SSH key as stored in Secrets Manager.
type PrivateKey struct {
	PEM         []byte
	Type        string
	Fingerprint string
}

// FetchPrivateKey reads the key handler's secret and checks that it holds a
// usable SSH private key. The secret is located through the stack outputs,
// falling back to the configured secret name.
func (d *Deployer) FetchPrivateKey(ctx context.Context) (*PrivateKey, error) {
	secretID := d.Config.SecretName()
	if s, err := d.describe(ctx); err == nil {
		if arn := Outputs(s)[stack.OutPrivateKeySecretArn]; arn != "" {
			secretID = arn
		}
	} else if !IsNotFound(err) {
		return nil, err
	}

	out, err := d.Secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return nil, mapAWSError(err, "secret", secretID)
	}
	return ParsePrivateKey([]byte(aws.ToString(out.SecretString)))
}

// ParsePrivateKey validates PEM-encoded key material.
func ParsePrivateKey(pem []byte) (*PrivateKey, error) {
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("secret does not hold a valid SSH private key: %w", err)
	}
	pub := signer.PublicKey()
	return &PrivateKey{
		PEM:         pem,
		Type:        pub.Type(),
		Fingerprint: ssh.FingerprintSHA256(pub),
	}, nil
}
