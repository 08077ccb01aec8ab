package deploy

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func validationError(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: msg}
}

// fakeCFN keeps one stack per name. The on* hooks decide the state a request
// leaves the stack in; by default operations complete successfully.
type fakeCFN struct {
	mu     sync.Mutex
	stacks map[string]*cfntypes.Stack
	events []cfntypes.StackEvent

	creates []*cloudformation.CreateStackInput
	updates []*cloudformation.UpdateStackInput
	deletes int

	onCreate func(in *cloudformation.CreateStackInput) (cfntypes.StackStatus, []cfntypes.Output)
	onUpdate func(in *cloudformation.UpdateStackInput) (cfntypes.StackStatus, error)
}

func newFakeCFN() *fakeCFN {
	return &fakeCFN{stacks: make(map[string]*cfntypes.Stack)}
}

func (f *fakeCFN) put(name string, status cfntypes.StackStatus, outputs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &cfntypes.Stack{
		StackName:   aws.String(name),
		StackId:     aws.String("arn:aws:cloudformation:us-east-1:123456789012:stack/" + name + "/1"),
		StackStatus: status,
	}
	for k, v := range outputs {
		s.Outputs = append(s.Outputs, cfntypes.Output{OutputKey: aws.String(k), OutputValue: aws.String(v)})
	}
	f.stacks[name] = s
}

func (f *fakeCFN) CreateStack(_ context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.mu.Lock()
	f.creates = append(f.creates, in)
	f.mu.Unlock()

	status, outputs := cfntypes.StackStatusCreateComplete, []cfntypes.Output{
		{OutputKey: aws.String("InstanceId"), OutputValue: aws.String("i-0123456789abcdef0")},
	}
	if f.onCreate != nil {
		status, outputs = f.onCreate(in)
	}
	name := aws.ToString(in.StackName)
	f.put(name, status, nil)
	f.mu.Lock()
	f.stacks[name].Outputs = outputs
	id := f.stacks[name].StackId
	f.mu.Unlock()
	return &cloudformation.CreateStackOutput{StackId: id}, nil
}

func (f *fakeCFN) UpdateStack(_ context.Context, in *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.mu.Lock()
	f.updates = append(f.updates, in)
	f.mu.Unlock()

	status := cfntypes.StackStatusUpdateComplete
	if f.onUpdate != nil {
		var err error
		status, err = f.onUpdate(in)
		if err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stacks[aws.ToString(in.StackName)]
	if !ok {
		return nil, validationError("Stack with id " + aws.ToString(in.StackName) + " does not exist")
	}
	s.StackStatus = status
	return &cloudformation.UpdateStackOutput{StackId: s.StackId}, nil
}

func (f *fakeCFN) DeleteStack(_ context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.stacks, aws.ToString(in.StackName))
	return &cloudformation.DeleteStackOutput{}, nil
}

func (f *fakeCFN) DescribeStacks(_ context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.StackName)
	s, ok := f.stacks[name]
	if !ok {
		return nil, validationError("Stack with id " + name + " does not exist")
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []cfntypes.Stack{*s}}, nil
}

func (f *fakeCFN) DescribeStackEvents(_ context.Context, _ *cloudformation.DescribeStackEventsInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &cloudformation.DescribeStackEventsOutput{StackEvents: f.events}, nil
}

type fakeS3 struct {
	buckets map[string]bool
	objects map[string][]byte
	created []*s3.CreateBucketInput
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: make(map[string]bool), objects: make(map[string][]byte)}
}

func notFoundAPIError() error {
	return &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, notFoundAPIError()
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, in)
	f.buckets[aws.ToString(in.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, notFoundAPIError()
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, in.Body); err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = buf.Bytes()
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

type fakeEC2 struct {
	state      ec2types.InstanceStateName
	attachedTo string
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{
		Instances: []ec2types.Instance{{
			InstanceId:   aws.String(in.InstanceIds[0]),
			InstanceType: ec2types.InstanceTypeT3Medium,
			State:        &ec2types.InstanceState{Name: f.state},
		}},
	}}}, nil
}

func (f *fakeEC2) DescribeAddresses(_ context.Context, in *ec2.DescribeAddressesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	return &ec2.DescribeAddressesOutput{Addresses: []ec2types.Address{{
		PublicIp:   aws.String(in.PublicIps[0]),
		InstanceId: aws.String(f.attachedTo),
	}}}, nil
}

type fakeIAM struct{ policies []string }

func (f *fakeIAM) ListAttachedRolePolicies(_ context.Context, _ *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	out := &iam.ListAttachedRolePoliciesOutput{}
	for _, p := range f.policies {
		out.AttachedPolicies = append(out.AttachedPolicies, iamtypes.AttachedPolicy{PolicyName: aws.String(p)})
	}
	return out, nil
}

type fakeLambda struct{ state lambdatypes.State }

func (f *fakeLambda) GetFunction(_ context.Context, _ *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	return &lambda.GetFunctionOutput{Configuration: &lambdatypes.FunctionConfiguration{State: f.state}}, nil
}
