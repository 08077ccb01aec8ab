// Package keyhandler implements the CloudFormation custom resource that copies
// a freshly generated EC2 key pair's private key from SSM Parameter Store into
// Secrets Manager.
package keyhandler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

// SSMAPI is the subset of the SSM client the handler calls.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretsAPI is the subset of the Secrets Manager client the handler calls.
type SecretsAPI interface {
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, in *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// Response data keys, readable with Fn::GetAtt.
const (
	AttrSecretArn  = "SecretArn"
	AttrSecretName = "SecretName"
)

// errKeyNotReady marks a parameter that exists but has no value yet.
var errKeyNotReady = errors.New("key material not yet available")

// Handler serves custom resource lifecycle events.
type Handler struct {
	SSM     SSMAPI
	Secrets SecretsAPI
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// New creates a handler from an SDK configuration.
func New(cfg aws.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		SSM:     ssm.NewFromConfig(cfg),
		Secrets: secretsmanager.NewFromConfig(cfg),
		Clock:   clock.WallClock,
		Logger:  logger,
	}
}

// Handle implements cfn.CustomResourceFunction.
func (h *Handler) Handle(ctx context.Context, event cfn.Event) (string, map[string]interface{}, error) {
	logger := h.Logger.With().
		Str("requestType", string(event.RequestType)).
		Str("logicalId", event.LogicalResourceID).
		Str("physicalId", event.PhysicalResourceID).
		Logger()

	switch event.RequestType {
	case cfn.RequestCreate, cfn.RequestUpdate:
		props, err := ParseProperties(event.ResourceProperties)
		if err != nil {
			logger.Error().Err(err).Msg("invalid resource properties")
			return event.PhysicalResourceID, nil, err
		}
		arn, err := h.Store(ctx, props)
		if err != nil {
			logger.Error().Err(err).Str("keyPairId", props.KeyPairID).Msg("failed to store private key")
			return event.PhysicalResourceID, nil, err
		}
		logger.Info().Str("secretArn", arn).Msg("private key stored")
		return arn, map[string]interface{}{
			AttrSecretArn:  arn,
			AttrSecretName: props.SecretName,
		}, nil

	case cfn.RequestDelete:
		if err := h.Delete(ctx, event.PhysicalResourceID); err != nil {
			logger.Error().Err(err).Msg("failed to delete secret")
			return event.PhysicalResourceID, nil, err
		}
		logger.Info().Msg("delete complete")
		return event.PhysicalResourceID, nil, nil

	default:
		return event.PhysicalResourceID, nil, fmt.Errorf("unsupported request type %q", event.RequestType)
	}
}

// Store fetches the key material and writes it to the configured secret,
// returning the secret ARN.
func (h *Handler) Store(ctx context.Context, p Properties) (string, error) {
	material, err := h.FetchKey(ctx, p)
	if err != nil {
		return "", err
	}
	return h.putSecret(ctx, p, material)
}

// FetchKey polls SSM for the key pair's private key. Only a missing or empty
// parameter is retried; any other error aborts immediately.
func (h *Handler) FetchKey(ctx context.Context, p Properties) (string, error) {
	name := p.ParameterName()
	var material string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			out, err := h.SSM.GetParameter(ctx, &ssm.GetParameterInput{
				Name:           aws.String(name),
				WithDecryption: aws.Bool(true),
			})
			if err != nil {
				return err
			}
			if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
				return errKeyNotReady
			}
			material = aws.ToString(out.Parameter.Value)
			return nil
		},
		IsFatalError: func(err error) bool {
			return !retryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			h.Logger.Debug().Err(err).Int("attempt", attempt).Str("parameter", name).Msg("key material not available yet")
		},
		Attempts: p.MaxAttempts,
		Delay:    p.Delay,
		Clock:    h.clock(),
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
		return material, nil
	case retry.IsAttemptsExceeded(err):
		return "", fmt.Errorf("key material for %s not available after %d attempts: %w", p.KeyPairID, p.MaxAttempts, retry.LastError(err))
	case retry.IsRetryStopped(err):
		return "", fmt.Errorf("fetch key material for %s: %w", p.KeyPairID, ctx.Err())
	default:
		return "", fmt.Errorf("fetch key material for %s: %w", p.KeyPairID, err)
	}
}

func (h *Handler) putSecret(ctx context.Context, p Properties, material string) (string, error) {
	created, err := h.Secrets.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(p.SecretName),
		Description:  aws.String(fmt.Sprintf("SSH private key for key pair %s", keyLabel(p))),
		SecretString: aws.String(material),
		Tags: []smtypes.Tag{
			{Key: aws.String("n8nhost-managed"), Value: aws.String("true")},
			{Key: aws.String("n8nhost-key-pair"), Value: aws.String(p.KeyPairID)},
		},
	})
	if err == nil {
		return aws.ToString(created.ARN), nil
	}
	var exists *smtypes.ResourceExistsException
	if !errors.As(err, &exists) {
		return "", fmt.Errorf("create secret %s: %w", p.SecretName, err)
	}

	h.Logger.Info().Str("secretName", p.SecretName).Msg("secret exists, storing new version")
	put, err := h.Secrets.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(p.SecretName),
		SecretString: aws.String(material),
	})
	if err != nil {
		return "", fmt.Errorf("update secret %s: %w", p.SecretName, err)
	}
	return aws.ToString(put.ARN), nil
}

// Delete removes the secret a previous create produced. Physical IDs that are
// not Secrets Manager ARNs belong to failed creates and need no cleanup.
func (h *Handler) Delete(ctx context.Context, physicalID string) error {
	if !IsSecretARN(physicalID) {
		h.Logger.Info().Str("physicalId", physicalID).Msg("nothing to delete")
		return nil
	}
	_, err := h.Secrets.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(physicalID),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	var nf *smtypes.ResourceNotFoundException
	if err != nil && !errors.As(err, &nf) {
		return fmt.Errorf("delete secret %s: %w", physicalID, err)
	}
	return nil
}

// IsSecretARN reports whether id is a Secrets Manager secret ARN.
func IsSecretARN(id string) bool {
	return strings.HasPrefix(id, "arn:") && strings.Contains(id, ":secretsmanager:") && strings.Contains(id, ":secret:")
}

func retryable(err error) bool {
	if errors.Is(err, errKeyNotReady) {
		return true
	}
	var nf *ssmtypes.ParameterNotFound
	return errors.As(err, &nf)
}

func keyLabel(p Properties) string {
	if p.KeyPairName != "" {
		return p.KeyPairName + " (" + p.KeyPairID + ")"
	}
	return p.KeyPairID
}

func (h *Handler) clock() clock.Clock {
	if h.Clock == nil {
		return clock.WallClock
	}
	return h.Clock
}
