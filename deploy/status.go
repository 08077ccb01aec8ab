package deploy

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/onimenotsuki/keysely-n8n-infra/config"
	"github.com/onimenotsuki/keysely-n8n-infra/stack"
)

// STSAPI is the subset of the STS client used for preflight checks.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// EC2API is the subset of the EC2 client used for status reports.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeAddresses(ctx context.Context, in *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
}

// IAMAPI is the subset of the IAM client used for status reports.
type IAMAPI interface {
	ListAttachedRolePolicies(ctx context.Context, in *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
}

// LambdaAPI is the subset of the Lambda client used for status reports.
type LambdaAPI interface {
	GetFunction(ctx context.Context, in *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
}

// Preflight confirms the credentials work and belong to the configured
// account. The returned configuration has Account filled in.
func (d *Deployer) Preflight(ctx context.Context) (config.Config, error) {
	cfg := d.Config
	out, err := d.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return cfg, fmt.Errorf("check AWS credentials: %w", err)
	}
	account := aws.ToString(out.Account)
	if cfg.Account != "" && cfg.Account != account {
		return cfg, fmt.Errorf("credentials belong to account %s, configuration targets %s", account, cfg.Account)
	}
	cfg.Account = account
	d.Config = cfg
	d.Logger.Debug().Str("account", account).Str("arn", aws.ToString(out.Arn)).Msg("caller identity")
	return cfg, nil
}

// Status summarizes the deployed stack and the resources it manages.
type Status struct {
	StackName    string
	StackStatus  string
	StatusReason string
	Outputs      map[string]string

	InstanceID    string
	InstanceState string
	InstanceType  string
	PublicIP      string
	EIPAttached   bool

	RolePolicies []string

	HandlerName  string
	HandlerState string
}

// Status collects the stack state and, best effort, the state of the
// instance, address, role and key handler it created. A missing stack is
// reported as a NotFoundError.
func (d *Deployer) Status(ctx context.Context) (*Status, error) {
	s, err := d.describe(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		StackName:    aws.ToString(s.StackName),
		StackStatus:  string(s.StackStatus),
		StatusReason: aws.ToString(s.StackStatusReason),
		Outputs:      Outputs(s),
	}

	if id := st.Outputs[stack.OutInstanceID]; id != "" && d.EC2 != nil {
		st.InstanceID = id
		out, err := d.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			d.Logger.Debug().Err(mapAWSError(err, "instance", id)).Msg("describe instance")
		} else if inst := firstInstance(out); inst != nil {
			if inst.State != nil {
				st.InstanceState = string(inst.State.Name)
			}
			st.InstanceType = string(inst.InstanceType)
		}
	}

	if ip := st.Outputs[stack.OutPublicIP]; ip != "" && d.EC2 != nil {
		st.PublicIP = ip
		out, err := d.EC2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{PublicIps: []string{ip}})
		if err != nil {
			d.Logger.Debug().Err(mapAWSError(err, "address", ip)).Msg("describe address")
		} else {
			for _, a := range out.Addresses {
				if aws.ToString(a.InstanceId) != "" && aws.ToString(a.InstanceId) == st.InstanceID {
					st.EIPAttached = true
				}
			}
		}
	}

	if role := st.Outputs[stack.OutInstanceRoleName]; role != "" && d.IAM != nil {
		paginator := iam.NewListAttachedRolePoliciesPaginator(d.IAM, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(role)})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				d.Logger.Debug().Err(mapAWSError(err, "role", role)).Msg("list role policies")
				break
			}
			for _, p := range page.AttachedPolicies {
				st.RolePolicies = append(st.RolePolicies, aws.ToString(p.PolicyName))
			}
		}
	}

	if fn := st.Outputs[stack.OutKeyRetrieverName]; fn != "" && d.Lambda != nil {
		st.HandlerName = fn
		out, err := d.Lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(fn)})
		if err != nil {
			d.Logger.Debug().Err(mapAWSError(err, "function", fn)).Msg("get function")
		} else if out.Configuration != nil {
			st.HandlerState = string(out.Configuration.State)
		}
	}
	return st, nil
}

func firstInstance(out *ec2.DescribeInstancesOutput) *ec2types.Instance {
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return &r.Instances[0]
		}
	}
	return nil
}
