package deploy

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/onimenotsuki/keysely-n8n-infra/awssim"
	"github.com/onimenotsuki/keysely-n8n-infra/config"
	"github.com/onimenotsuki/keysely-n8n-infra/stack"
)

func testConfig() config.Config {
	c := config.Default()
	c.Account = "123456789012"
	c.DomainName = "flows.keysely.com"
	return c
}

func newTestDeployer(cfn *fakeCFN, s3 *fakeS3) *Deployer {
	return &Deployer{
		Config:       testConfig(),
		Logger:       zerolog.Nop(),
		CFN:          cfn,
		S3:           s3,
		WaitTimeout:  time.Minute,
		PollInterval: time.Millisecond,
	}
}

func smallTemplate() *stack.Template {
	t := stack.NewTemplate("test")
	t.Add("Topic", stack.Resource{Type: "AWS::SNS::Topic"})
	return t
}

func TestDeployCreatesStack(t *testing.T) {
	cfn := newFakeCFN()
	d := newTestDeployer(cfn, newFakeS3())

	res, err := d.Deploy(context.Background(), smallTemplate(), map[string]string{"B": "2", "A": "1"})
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
	assert.Equal(t, "i-0123456789abcdef0", res.Outputs["InstanceId"])

	require.Len(t, cfn.creates, 1)
	in := cfn.creates[0]
	assert.NotNil(t, in.TemplateBody)
	assert.Nil(t, in.TemplateURL)
	assert.Contains(t, in.Capabilities, cfntypes.CapabilityCapabilityIam)
	assert.NotEmpty(t, aws.ToString(in.ClientRequestToken))
	require.Len(t, in.Parameters, 2)
	assert.Equal(t, "A", aws.ToString(in.Parameters[0].ParameterKey))
	assert.Len(t, in.Tags, 3)
}

func TestDeployUpdatesExistingStack(t *testing.T) {
	cfn := newFakeCFN()
	cfn.put("N8nStack", cfntypes.StackStatusCreateComplete, map[string]string{"PublicIp": "198.51.100.4"})
	d := newTestDeployer(cfn, newFakeS3())

	res, err := d.Deploy(context.Background(), smallTemplate(), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, "198.51.100.4", res.Outputs["PublicIp"])
	assert.Empty(t, cfn.creates)
	assert.Len(t, cfn.updates, 1)
}

func TestDeployWithNoChanges(t *testing.T) {
	cfn := newFakeCFN()
	cfn.put("N8nStack", cfntypes.StackStatusUpdateComplete, nil)
	cfn.onUpdate = func(*cloudformation.UpdateStackInput) (cfntypes.StackStatus, error) {
		return "", validationError("No updates are to be performed.")
	}
	d := newTestDeployer(cfn, newFakeS3())

	res, err := d.Deploy(context.Background(), smallTemplate(), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
}

func TestDeployFailureReportsEvents(t *testing.T) {
	cfn := newFakeCFN()
	cfn.onCreate = func(in *cloudformation.CreateStackInput) (cfntypes.StackStatus, []cfntypes.Output) {
		token := in.ClientRequestToken
		cfn.events = []cfntypes.StackEvent{
			{LogicalResourceId: aws.String("N8nStack"), ResourceStatus: cfntypes.ResourceStatus("ROLLBACK_COMPLETE"), ClientRequestToken: token},
			{LogicalResourceId: aws.String("N8nEip"), ResourceStatus: cfntypes.ResourceStatusCreateFailed,
				ResourceStatusReason: aws.String("Resource creation cancelled"), ClientRequestToken: token},
			{LogicalResourceId: aws.String("N8nInstance"), ResourceStatus: cfntypes.ResourceStatusCreateFailed,
				ResourceStatusReason: aws.String("instance type not supported"), ClientRequestToken: token},
			{LogicalResourceId: aws.String("Old"), ResourceStatus: cfntypes.ResourceStatusCreateFailed,
				ResourceStatusReason: aws.String("from an earlier run"), ClientRequestToken: aws.String("other")},
		}
		return cfntypes.StackStatusRollbackComplete, nil
	}
	d := newTestDeployer(cfn, newFakeS3())

	_, err := d.Deploy(context.Background(), smallTemplate(), nil)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "N8nInstance: CREATE_FAILED (instance type not supported)")
	assert.Contains(t, msg, "N8nEip: CREATE_FAILED")
	assert.NotContains(t, msg, "earlier run")
	assert.Less(t, strings.Index(msg, "N8nInstance"), strings.Index(msg, "N8nEip"))
}

func TestDeployReplacesRolledBackStack(t *testing.T) {
	cfn := newFakeCFN()
	cfn.put("N8nStack", cfntypes.StackStatusRollbackComplete, nil)
	d := newTestDeployer(cfn, newFakeS3())

	res, err := d.Deploy(context.Background(), smallTemplate(), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
	assert.Equal(t, 1, cfn.deletes)
	assert.Len(t, cfn.creates, 1)
}

func TestDeployUploadsLargeTemplate(t *testing.T) {
	cfn := newFakeCFN()
	s3 := newFakeS3()
	d := newTestDeployer(cfn, s3)

	tpl := stack.NewTemplate("large")
	tpl.Add("Big", stack.Resource{Type: "AWS::SSM::Parameter", Properties: map[string]any{
		"Type":  "String",
		"Value": strings.Repeat("x", stack.MaxTemplateBody),
	}})

	_, err := d.Deploy(context.Background(), tpl, nil)
	require.NoError(t, err)
	require.Len(t, cfn.creates, 1)
	assert.Nil(t, cfn.creates[0].TemplateBody)
	url := aws.ToString(cfn.creates[0].TemplateURL)
	assert.True(t, strings.HasPrefix(url, "https://n8nhost-assets-123456789012-us-east-1.s3.us-east-1.amazonaws.com/templates/N8nStack/"), url)
	assert.Equal(t, 1, s3.puts)
}

func TestDestroy(t *testing.T) {
	cfn := newFakeCFN()
	cfn.put("N8nStack", cfntypes.StackStatusCreateComplete, nil)
	d := newTestDeployer(cfn, newFakeS3())

	require.NoError(t, d.Destroy(context.Background()))
	assert.Equal(t, 1, cfn.deletes)

	// Already gone.
	require.NoError(t, d.Destroy(context.Background()))
	assert.Equal(t, 1, cfn.deletes)
}

func TestHandlerZip(t *testing.T) {
	a, err := HandlerZip([]byte("binary"))
	require.NoError(t, err)
	b, err := HandlerZip([]byte("binary"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	zr, err := zip.NewReader(bytes.NewReader(a), int64(len(a)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	f := zr.File[0]
	assert.Equal(t, "bootstrap", f.Name)
	assert.Equal(t, os.FileMode(0o755), f.Mode().Perm())
	rc, err := f.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))
}

func TestPublishHandler(t *testing.T) {
	s3 := newFakeS3()
	d := newTestDeployer(newFakeCFN(), s3)
	d.Config.Region = "eu-west-1"

	path := filepath.Join(t.TempDir(), "bootstrap")
	require.NoError(t, os.WriteFile(path, []byte("handler"), 0o755))

	first, err := d.PublishHandler(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, first.Uploaded)
	assert.Equal(t, "n8nhost-assets-123456789012-eu-west-1", first.Bucket)
	assert.Equal(t, "keyhandler/"+first.SHA256+".zip", first.Key)
	require.Len(t, s3.created, 1)
	assert.Equal(t, "eu-west-1", string(s3.created[0].CreateBucketConfiguration.LocationConstraint))

	second, err := d.PublishHandler(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, second.Uploaded)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, 1, s3.puts)
	assert.Len(t, s3.created, 1)
}

func TestPreflightAgainstSimulator(t *testing.T) {
	sim := awssim.Start()
	defer sim.Close()
	clients := NewClientsFromConfig(sim.AWSConfig())

	d := &Deployer{Config: testConfig(), Logger: zerolog.Nop(), STS: clients.STS}
	d.Config.Account = ""
	cfg, err := d.Preflight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, awssim.DefaultAccount, cfg.Account)

	d.Config.Account = "999999999999"
	_, err = d.Preflight(context.Background())
	assert.ErrorContains(t, err, "999999999999")
}

func TestStatus(t *testing.T) {
	cfn := newFakeCFN()
	cfn.put("N8nStack", cfntypes.StackStatusCreateComplete, map[string]string{
		stack.OutInstanceID:       "i-0123456789abcdef0",
		stack.OutPublicIP:         "198.51.100.4",
		stack.OutInstanceRoleName: "N8nStack-N8nInstanceRole-ABC",
		stack.OutKeyRetrieverName: "N8nStack-KeyRetrieverFunction-XYZ",
	})
	d := newTestDeployer(cfn, newFakeS3())
	d.EC2 = &fakeEC2{state: ec2types.InstanceStateNameRunning, attachedTo: "i-0123456789abcdef0"}
	d.IAM = &fakeIAM{policies: []string{"AmazonSSMManagedInstanceCore", "CloudWatchAgentServerPolicy"}}
	d.Lambda = &fakeLambda{state: lambdatypes.StateActive}

	st, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CREATE_COMPLETE", st.StackStatus)
	assert.Equal(t, "running", st.InstanceState)
	assert.Equal(t, "t3.medium", st.InstanceType)
	assert.True(t, st.EIPAttached)
	assert.ElementsMatch(t, []string{"AmazonSSMManagedInstanceCore", "CloudWatchAgentServerPolicy"}, st.RolePolicies)
	assert.Equal(t, "Active", st.HandlerState)
}

func TestStatusMissingStack(t *testing.T) {
	d := newTestDeployer(newFakeCFN(), newFakeS3())
	_, err := d.Status(context.Background())
	assert.True(t, IsNotFound(err))
}

func TestHandlerLogsAgainstSimulator(t *testing.T) {
	sim := awssim.Start()
	defer sim.Close()
	now := time.Now()
	sim.AddLogEvents("/n8nhost/N8nStack/key-retriever",
		awssim.LogEvent{Stream: "s1", Timestamp: now.Add(-2 * time.Hour).UnixMilli(), Message: "too old"},
		awssim.LogEvent{Stream: "s1", Timestamp: now.Add(-time.Minute).UnixMilli(), Message: `{"message":"private key stored"}`},
		awssim.LogEvent{Stream: "s1", Timestamp: now.Add(-30 * time.Second).UnixMilli(), Message: `{"message":"delete complete"}`},
	)

	cfn := newFakeCFN()
	cfn.put("N8nStack", cfntypes.StackStatusCreateComplete, map[string]string{
		stack.OutKeyRetrieverLogs: "/n8nhost/N8nStack/key-retriever",
	})
	d := newTestDeployer(cfn, newFakeS3())
	d.Logs = cloudwatchlogs.NewFromConfig(sim.AWSConfig())

	lines, err := d.HandlerLogs(context.Background(), time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0].Message, "private key stored")

	lines, err = d.HandlerLogs(context.Background(), time.Hour, 1)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].Message, "delete complete")
}

type pagedLogs struct {
	pages [][]cwltypes.FilteredLogEvent
}

func (p *pagedLogs) FilterLogEvents(_ context.Context, in *cloudwatchlogs.FilterLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	i := 0
	if in.NextToken != nil {
		i, _ = strconv.Atoi(*in.NextToken)
	}
	out := &cloudwatchlogs.FilterLogEventsOutput{Events: p.pages[i]}
	if i+1 < len(p.pages) {
		out.NextToken = aws.String(strconv.Itoa(i + 1))
	}
	return out, nil
}

func TestHandlerLogsKeepsNewestAcrossPages(t *testing.T) {
	base := time.Now().Add(-10 * time.Minute)
	event := func(stream string, offset time.Duration, msg string) cwltypes.FilteredLogEvent {
		return cwltypes.FilteredLogEvent{
			LogStreamName: aws.String(stream),
			Timestamp:     aws.Int64(base.Add(offset).UnixMilli()),
			Message:       aws.String(msg),
		}
	}
	cfn := newFakeCFN()
	cfn.put("N8nStack", cfntypes.StackStatusCreateComplete, map[string]string{
		stack.OutKeyRetrieverLogs: "/n8nhost/N8nStack/key-retriever",
	})
	d := newTestDeployer(cfn, newFakeS3())
	d.Logs = &pagedLogs{pages: [][]cwltypes.FilteredLogEvent{
		{event("a", 0, "first"), event("a", 3*time.Minute, "fourth")},
		{event("b", time.Minute, "second"), event("b", 2*time.Minute, "third")},
		{event("a", 4*time.Minute, "fifth")},
	}}

	lines, err := d.HandlerLogs(context.Background(), time.Hour, 2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "fourth", lines[0].Message)
	assert.Equal(t, "fifth", lines[1].Message)

	lines, err = d.HandlerLogs(context.Background(), time.Hour, 0)
	require.NoError(t, err)
	var got []string
	for _, l := range lines {
		got = append(got, l.Message)
	}
	assert.Equal(t, []string{"first", "second", "third", "fourth", "fifth"}, got)
}

func TestHandlerLogsWithoutKeyHandler(t *testing.T) {
	cfn := newFakeCFN()
	cfn.put("N8nStack", cfntypes.StackStatusCreateComplete, nil)
	d := newTestDeployer(cfn, newFakeS3())

	_, err := d.HandlerLogs(context.Background(), time.Hour, 0)
	assert.True(t, IsNotFound(err))
}

func TestFetchPrivateKeyAgainstSimulator(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(block)

	sim := awssim.Start()
	defer sim.Close()
	arn := sim.PutSecret("N8nStack/ssh-private-key", string(keyPEM))

	cfn := newFakeCFN()
	cfn.put("N8nStack", cfntypes.StackStatusCreateComplete, map[string]string{stack.OutPrivateKeySecretArn: arn})
	d := newTestDeployer(cfn, newFakeS3())
	d.Secrets = secretsmanager.NewFromConfig(sim.AWSConfig())

	key, err := d.FetchPrivateKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keyPEM, key.PEM)
	assert.Equal(t, ssh.KeyAlgoED25519, key.Type)

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(signer.PublicKey()), key.Fingerprint)
}

func TestFetchPrivateKeyRejectsGarbage(t *testing.T) {
	sim := awssim.Start()
	defer sim.Close()
	sim.PutSecret("N8nStack/ssh-private-key", "not a key")

	d := newTestDeployer(newFakeCFN(), newFakeS3())
	d.Secrets = secretsmanager.NewFromConfig(sim.AWSConfig())

	_, err := d.FetchPrivateKey(context.Background())
	assert.ErrorContains(t, err, "not hold a valid SSH private key")
}

func TestMapAWSError(t *testing.T) {
	assert.Nil(t, mapAWSError(nil, "x", "y"))

	err := mapAWSError(&smithy.GenericAPIError{Code: "NoSuchEntity"}, "role", "r")
	assert.True(t, IsNotFound(err))

	err = mapAWSError(validationError("Stack with id s does not exist"), "stack", "s")
	assert.True(t, IsNotFound(err))

	err = mapAWSError(&smithy.GenericAPIError{Code: "BucketAlreadyOwnedByYou"}, "bucket", "b")
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)

	plain := errors.New("boom")
	err = mapAWSError(plain, "stack", "s")
	assert.ErrorIs(t, err, plain)
	assert.False(t, IsNotFound(err))

	assert.True(t, isNoUpdates(validationError("No updates are to be performed.")))
	assert.False(t, isNoUpdates(validationError("Template format error")))
}
