// Package deploy drives CloudFormation to create, update and remove the n8n
// host stack and inspects what it produced.
package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/onimenotsuki/keysely-n8n-infra/config"
	"github.com/onimenotsuki/keysely-n8n-infra/stack"
)

// CloudFormationAPI is the subset of the CloudFormation client the driver uses.
type CloudFormationAPI interface {
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	DescribeStackEvents(ctx context.Context, in *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
}

// Default waiter settings.
const (
	DefaultWaitTimeout  = 30 * time.Minute
	DefaultPollInterval = 15 * time.Second
)

// Deployer runs stack operations for one configuration.
type Deployer struct {
	Config  config.Config
	Logger  zerolog.Logger
	CFN     CloudFormationAPI
	S3      S3API
	STS     STSAPI
	EC2     EC2API
	IAM     IAMAPI
	Lambda  LambdaAPI
	Logs    LogsAPI
	Secrets SecretsAPI

	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// NewDeployer wires a deployer to real clients.
func NewDeployer(cfg config.Config, clients *AWSClients, logger zerolog.Logger) *Deployer {
	return &Deployer{
		Config:       cfg,
		Logger:       logger,
		CFN:          clients.CloudFormation,
		S3:           clients.S3,
		STS:          clients.STS,
		EC2:          clients.EC2,
		IAM:          clients.IAM,
		Lambda:       clients.Lambda,
		Logs:         clients.CloudWatch,
		Secrets:      clients.SecretsManager,
		WaitTimeout:  DefaultWaitTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// Action is what a deployment did to the stack.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionNone   Action = "none"
)

// Result describes a finished deployment.
type Result struct {
	StackID string
	Action  Action
	Outputs map[string]string
}

// Deploy creates the stack, or updates it when it already exists, and waits
// for the operation to settle.
func (d *Deployer) Deploy(ctx context.Context, tpl *stack.Template, params map[string]string) (*Result, error) {
	name := d.Config.StackName
	body, err := tpl.JSON()
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var templateBody, templateURL *string
	if len(body) > stack.MaxTemplateBody {
		url, err := d.publishTemplate(ctx, body)
		if err != nil {
			return nil, err
		}
		templateURL = aws.String(url)
	} else {
		templateBody = aws.String(string(body))
	}

	existing, err := d.describe(ctx)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.StackStatus == cfntypes.StackStatusRollbackComplete {
		d.Logger.Warn().Str("stack", name).Msg("stack is in ROLLBACK_COMPLETE from a failed create, deleting before retrying")
		if err := d.Destroy(ctx); err != nil {
			return nil, err
		}
		existing = nil
	}

	token := uuid.NewString()
	cfnParams := parameters(params)
	capabilities := []cfntypes.Capability{cfntypes.CapabilityCapabilityIam, cfntypes.CapabilityCapabilityNamedIam}
	tags := cfnTags(stack.TagSet{Stack: name, Domain: d.Config.DomainName})

	res := &Result{}
	if existing == nil {
		d.Logger.Info().Str("stack", name).Str("token", token).Msg("creating stack")
		out, err := d.CFN.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:          aws.String(name),
			TemplateBody:       templateBody,
			TemplateURL:        templateURL,
			Parameters:         cfnParams,
			Capabilities:       capabilities,
			Tags:               tags,
			ClientRequestToken: aws.String(token),
			OnFailure:          cfntypes.OnFailureRollback,
		})
		if err != nil {
			return nil, mapAWSError(err, "stack", name)
		}
		res.StackID = aws.ToString(out.StackId)
		res.Action = ActionCreate

		w := cloudformation.NewStackCreateCompleteWaiter(d.CFN, d.createWaiterOptions)
		if err := w.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)}, d.waitTimeout()); err != nil {
			return nil, d.failure(ctx, "create", token, err)
		}
	} else {
		d.Logger.Info().Str("stack", name).Str("token", token).Msg("updating stack")
		out, err := d.CFN.UpdateStack(ctx, &cloudformation.UpdateStackInput{
			StackName:          aws.String(name),
			TemplateBody:       templateBody,
			TemplateURL:        templateURL,
			Parameters:         cfnParams,
			Capabilities:       capabilities,
			Tags:               tags,
			ClientRequestToken: aws.String(token),
		})
		switch {
		case isNoUpdates(err):
			d.Logger.Info().Str("stack", name).Msg("stack is up to date")
			res.StackID = aws.ToString(existing.StackId)
			res.Action = ActionNone
		case err != nil:
			return nil, mapAWSError(err, "stack", name)
		default:
			res.StackID = aws.ToString(out.StackId)
			res.Action = ActionUpdate
			w := cloudformation.NewStackUpdateCompleteWaiter(d.CFN, d.updateWaiterOptions)
			if err := w.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)}, d.waitTimeout()); err != nil {
				return nil, d.failure(ctx, "update", token, err)
			}
		}
	}

	final, err := d.describe(ctx)
	if err != nil {
		return nil, err
	}
	res.Outputs = Outputs(final)
	d.Logger.Info().Str("stack", name).Str("status", string(final.StackStatus)).Msg("deployment finished")
	return res, nil
}

// Destroy deletes the stack and waits until it is gone. A stack that does not
// exist is already destroyed.
func (d *Deployer) Destroy(ctx context.Context) error {
	name := d.Config.StackName
	if _, err := d.describe(ctx); err != nil {
		if IsNotFound(err) {
			d.Logger.Info().Str("stack", name).Msg("stack does not exist")
			return nil
		}
		return err
	}

	token := uuid.NewString()
	d.Logger.Info().Str("stack", name).Str("token", token).Msg("deleting stack")
	if _, err := d.CFN.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName:          aws.String(name),
		ClientRequestToken: aws.String(token),
	}); err != nil {
		return mapAWSError(err, "stack", name)
	}

	w := cloudformation.NewStackDeleteCompleteWaiter(d.CFN, d.deleteWaiterOptions)
	if err := w.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)}, d.waitTimeout()); err != nil {
		return d.failure(ctx, "delete", token, err)
	}
	d.Logger.Info().Str("stack", name).Msg("stack deleted")
	return nil
}

// Outputs flattens stack outputs into a map.
func Outputs(s *cfntypes.Stack) map[string]string {
	out := make(map[string]string)
	if s == nil {
		return out
	}
	for _, o := range s.Outputs {
		out[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return out
}

// describe returns the stack, or a NotFoundError.
func (d *Deployer) describe(ctx context.Context) (*cfntypes.Stack, error) {
	name := d.Config.StackName
	out, err := d.CFN.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		return nil, mapAWSError(err, "stack", name)
	}
	if len(out.Stacks) == 0 {
		return nil, &NotFoundError{Resource: "stack", ID: name}
	}
	return &out.Stacks[0], nil
}

// failure annotates a waiter error with the failure reasons CloudFormation
// recorded for the operation identified by token.
func (d *Deployer) failure(ctx context.Context, op, token string, cause error) error {
	reasons := d.FailureReasons(ctx, token)
	if len(reasons) == 0 {
		return fmt.Errorf("stack %s %s failed: %w", d.Config.StackName, op, cause)
	}
	return fmt.Errorf("stack %s %s failed: %w\n  %s", d.Config.StackName, op, cause, strings.Join(reasons, "\n  "))
}

// FailureReasons lists "<logical id>: <status> (<reason>)" for every failed
// resource event of the operation identified by token, oldest first. An empty
// token matches every event.
func (d *Deployer) FailureReasons(ctx context.Context, token string) []string {
	paginator := cloudformation.NewDescribeStackEventsPaginator(d.CFN, &cloudformation.DescribeStackEventsInput{
		StackName: aws.String(d.Config.StackName),
	})
	var reasons []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			d.Logger.Debug().Err(err).Msg("failed to read stack events")
			break
		}
		for _, e := range page.StackEvents {
			if token != "" && aws.ToString(e.ClientRequestToken) != token {
				continue
			}
			if !strings.HasSuffix(string(e.ResourceStatus), "_FAILED") {
				continue
			}
			reasons = append(reasons, fmt.Sprintf("%s: %s (%s)",
				aws.ToString(e.LogicalResourceId), e.ResourceStatus, aws.ToString(e.ResourceStatusReason)))
		}
	}
	// Events arrive newest first.
	for i, j := 0, len(reasons)-1; i < j; i, j = i+1, j-1 {
		reasons[i], reasons[j] = reasons[j], reasons[i]
	}
	return reasons
}

func (d *Deployer) publishTemplate(ctx context.Context, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	key := fmt.Sprintf("templates/%s/%s.json", d.Config.StackName, digest)
	asset, err := d.publish(ctx, key, digest, body, "application/json")
	if err != nil {
		return "", err
	}
	return d.objectURL(asset), nil
}

func (d *Deployer) objectURL(a Asset) string {
	if d.Config.EndpointURL != "" {
		return strings.TrimSuffix(d.Config.EndpointURL, "/") + "/" + a.Bucket + "/" + a.Key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.Bucket, d.Config.Region, a.Key)
}

func (d *Deployer) createWaiterOptions(o *cloudformation.StackCreateCompleteWaiterOptions) {
	if d.PollInterval > 0 {
		o.MinDelay = d.PollInterval
	}
}

func (d *Deployer) updateWaiterOptions(o *cloudformation.StackUpdateCompleteWaiterOptions) {
	if d.PollInterval > 0 {
		o.MinDelay = d.PollInterval
	}
}

func (d *Deployer) deleteWaiterOptions(o *cloudformation.StackDeleteCompleteWaiterOptions) {
	if d.PollInterval > 0 {
		o.MinDelay = d.PollInterval
	}
}

func (d *Deployer) waitTimeout() time.Duration {
	if d.WaitTimeout > 0 {
		return d.WaitTimeout
	}
	return DefaultWaitTimeout
}

func parameters(params map[string]string) []cfntypes.Parameter {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cfntypes.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, cfntypes.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(params[k])})
	}
	return out
}

func cfnTags(ts stack.TagSet) []cfntypes.Tag {
	m := ts.AsMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cfntypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, cfntypes.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}
