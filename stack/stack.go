// Package stack synthesizes the CloudFormation template for a single n8n host.
package stack

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/onimenotsuki/keysely-n8n-infra/bootstrap"
	"github.com/onimenotsuki/keysely-n8n-infra/config"
)

// Logical IDs.
const (
	SecurityGroupID    = "N8nSecurityGroup"
	InstanceRoleID     = "N8nInstanceRole"
	InstanceProfileID  = "N8nInstanceProfile"
	KeyPairID          = "N8nKeyPair"
	InstanceID         = "N8nInstance"
	EIPID              = "N8nEip"
	EIPAssociationID   = "N8nEipAssociation"
	KeyRetrieverRoleID = "KeyRetrieverRole"
	KeyRetrieverLogsID = "KeyRetrieverLogGroup"
	KeyRetrieverFuncID = "KeyRetrieverFunction"
	PrivateKeySecretID = "PrivateKeySecret"
	AssetBucketParam   = "AssetBucket"
	AssetKeyParam      = "AssetKey"
	KeyPairSecretType  = "Custom::KeyPairSecret"

	maxUserDataBytes = 16 * 1024
)

// Output keys.
const (
	OutInstanceID          = "InstanceId"
	OutPublicIP            = "PublicIp"
	OutURL                 = "N8nUrl"
	OutDNSInstruction      = "DnsInstruction"
	OutSSHCommand          = "SshCommand"
	OutInstanceRoleArn     = "InstanceRoleArn"
	OutInstanceRoleName    = "InstanceRoleName"
	OutKeyPairID           = "KeyPairId"
	OutPrivateKeySecretArn = "PrivateKeySecretArn"
	OutKeyRetrieverName    = "KeyRetrieverFunctionName"
	OutKeyRetrieverLogs    = "KeyRetrieverLogGroupName"
)

// Retrieval defaults handed to the key handler.
const (
	DefaultRetrievalAttempts = 10
	DefaultRetrievalDelay    = 5
)

// MaxTemplateBody is the largest template CloudFormation accepts inline.
const MaxTemplateBody = 51200

// Synthesize builds the template for cfg. The configuration is validated first.
func Synthesize(cfg config.Config) (*Template, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	userData, err := bootstrap.Render(BootstrapOptions(cfg))
	if err != nil {
		return nil, err
	}
	if len(userData) > maxUserDataBytes {
		return nil, fmt.Errorf("user data is %d bytes, over the %d byte limit", len(userData), maxUserDataBytes)
	}

	tags := TagSet{Stack: cfg.StackName, Domain: cfg.DomainName}
	t := NewTemplate(fmt.Sprintf("n8n host for %s", cfg.DomainName))

	t.Add(SecurityGroupID, Resource{
		Type: "AWS::EC2::SecurityGroup",
		Properties: map[string]any{
			"GroupDescription": "n8n host: SSH from the admin range, HTTP and HTTPS from anywhere",
			"SecurityGroupIngress": []any{
				ingress("tcp", 22, cfg.SSHCIDR, "SSH"),
				ingress("tcp", 80, "0.0.0.0/0", "HTTP"),
				ingress("tcp", 443, "0.0.0.0/0", "HTTPS"),
				ingress("udp", 443, "0.0.0.0/0", "HTTP/3"),
			},
			"Tags": tags.AsCFN("Name", cfg.StackName+"-sg"),
		},
	})

	t.Add(InstanceRoleID, Resource{
		Type: "AWS::IAM::Role",
		Properties: map[string]any{
			"Description":              "n8n host instance role",
			"AssumeRolePolicyDocument": assumeRolePolicy("ec2.amazonaws.com"),
			"ManagedPolicyArns": []any{
				PartitionARN("AmazonSSMManagedInstanceCore"),
				PartitionARN("CloudWatchAgentServerPolicy"),
			},
			"Tags": tags.AsCFN(),
		},
	})

	t.Add(InstanceProfileID, Resource{
		Type: "AWS::IAM::InstanceProfile",
		Properties: map[string]any{
			"Roles": []any{Ref(InstanceRoleID)},
		},
	})

	instanceProps := map[string]any{
		"ImageId":            fmt.Sprintf("{{resolve:ssm:/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-%s}}", cfg.Architecture()),
		"InstanceType":       cfg.InstanceType,
		"IamInstanceProfile": Ref(InstanceProfileID),
		"SecurityGroupIds":   []any{GetAtt(SecurityGroupID, "GroupId")},
		"BlockDeviceMappings": []any{
			map[string]any{
				"DeviceName": "/dev/xvda",
				"Ebs": map[string]any{
					"VolumeSize":          cfg.VolumeSizeGiB,
					"VolumeType":          "gp3",
					"Encrypted":           true,
					"DeleteOnTermination": true,
				},
			},
		},
		"MetadataOptions": map[string]any{
			"HttpTokens":              "required",
			"HttpPutResponseHopLimit": 2,
		},
		"UserData": Base64(userData),
		"Tags":     tags.AsCFN("Name", cfg.StackName+"-n8n"),
	}

	if cfg.KeyPairEnabled() {
		t.Add(KeyPairID, Resource{
			Type: "AWS::EC2::KeyPair",
			Properties: map[string]any{
				"KeyName": cfg.StackName + "-n8n",
				"KeyType": "ed25519",
				"Tags":    tags.AsCFN(),
			},
		})
		instanceProps["KeyName"] = Ref(KeyPairID)
	} else if cfg.KeyName != "" {
		instanceProps["KeyName"] = cfg.KeyName
	}

	t.Add(InstanceID, Resource{
		Type:       "AWS::EC2::Instance",
		Properties: instanceProps,
	})

	t.Add(EIPID, Resource{
		Type: "AWS::EC2::EIP",
		Properties: map[string]any{
			"Domain": "vpc",
			"Tags":   tags.AsCFN("Name", cfg.StackName+"-eip"),
		},
	})

	t.Add(EIPAssociationID, Resource{
		Type: "AWS::EC2::EIPAssociation",
		Properties: map[string]any{
			"AllocationId": GetAtt(EIPID, "AllocationId"),
			"InstanceId":   Ref(InstanceID),
		},
	})

	t.Outputs[OutInstanceID] = Output{Description: "EC2 instance ID", Value: Ref(InstanceID)}
	t.Outputs[OutPublicIP] = Output{Description: "Elastic IP address of the host", Value: Ref(EIPID)}
	t.Outputs[OutURL] = Output{Description: "n8n URL", Value: "https://" + cfg.DomainName}
	t.Outputs[OutDNSInstruction] = Output{
		Description: "DNS record to create before the certificate can be issued",
		Value:       Sub(fmt.Sprintf("Create an A record for %s pointing to ${%s}", cfg.DomainName, EIPID)),
	}
	t.Outputs[OutInstanceRoleArn] = Output{Description: "Instance role ARN", Value: GetAtt(InstanceRoleID, "Arn")}
	t.Outputs[OutInstanceRoleName] = Output{Description: "Instance role name", Value: Ref(InstanceRoleID)}

	if cfg.KeyPairEnabled() {
		addKeyRetriever(t, cfg, tags)
		t.Outputs[OutSSHCommand] = Output{
			Description: "SSH command once the private key has been saved locally",
			Value:       Sub(fmt.Sprintf("ssh -i %s.pem ec2-user@${%s}", cfg.StackName, EIPID)),
		}
	} else if cfg.KeyName != "" {
		t.Outputs[OutSSHCommand] = Output{
			Description: "SSH command using the existing key pair",
			Value:       Sub(fmt.Sprintf("ssh -i %s.pem ec2-user@${%s}", cfg.KeyName, EIPID)),
		}
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// BootstrapOptions maps configuration onto the bootstrap renderer.
func BootstrapOptions(cfg config.Config) bootstrap.Options {
	return bootstrap.Options{
		Domain:     cfg.DomainName,
		ACMEEmail:  cfg.ContactEmail(),
		N8NVersion: cfg.N8NVersion,
		Timezone:   cfg.Timezone,
	}
}

// HandlerTimeout is the custom resource function timeout in seconds. It
// covers every retrieval attempt plus a minute for the secret write.
func HandlerTimeout(attempts, delaySeconds int) int {
	return attempts*delaySeconds + 60
}

func addKeyRetriever(t *Template, cfg config.Config, tags TagSet) {
	t.Parameters[AssetBucketParam] = Parameter{
		Type:        "String",
		Description: "Bucket holding the key retriever deployment package",
		Default:     cfg.AssetBucketName(),
	}
	t.Parameters[AssetKeyParam] = Parameter{
		Type:        "String",
		Description: "Object key of the key retriever deployment package",
	}

	t.Add(KeyRetrieverLogsID, Resource{
		Type: "AWS::Logs::LogGroup",
		Properties: map[string]any{
			"LogGroupName":    Sub("/n8nhost/${AWS::StackName}/key-retriever"),
			"RetentionInDays": 7,
			"Tags":            tags.AsCFN(),
		},
		DeletionPolicy: "Delete",
	})

	t.Add(KeyRetrieverRoleID, Resource{
		Type: "AWS::IAM::Role",
		Properties: map[string]any{
			"Description":              "Key retriever custom resource role",
			"AssumeRolePolicyDocument": assumeRolePolicy("lambda.amazonaws.com"),
			"ManagedPolicyArns": []any{
				PartitionARN("service-role/AWSLambdaBasicExecutionRole"),
			},
			"Policies": []any{keyRetrieverPolicy(cfg)},
			"Tags":     tags.AsCFN(),
		},
	})

	t.Add(KeyRetrieverFuncID, Resource{
		Type: "AWS::Lambda::Function",
		Properties: map[string]any{
			"Description":   "Copies the generated SSH private key into Secrets Manager",
			"Runtime":       "provided.al2023",
			"Handler":       "bootstrap",
			"Architectures": []any{cfg.HandlerArch},
			"MemorySize":    128,
			"Timeout":       HandlerTimeout(DefaultRetrievalAttempts, DefaultRetrievalDelay),
			"Role":          GetAtt(KeyRetrieverRoleID, "Arn"),
			"Code": map[string]any{
				"S3Bucket": Ref(AssetBucketParam),
				"S3Key":    Ref(AssetKeyParam),
			},
			"LoggingConfig": map[string]any{
				"LogGroup":  Ref(KeyRetrieverLogsID),
				"LogFormat": "JSON",
			},
			"Tags": tags.AsCFN(),
		},
	})

	t.Add(PrivateKeySecretID, Resource{
		Type: KeyPairSecretType,
		Properties: map[string]any{
			"ServiceToken": GetAtt(KeyRetrieverFuncID, "Arn"),
			"KeyPairId":    GetAtt(KeyPairID, "KeyPairId"),
			"KeyPairName":  Ref(KeyPairID),
			"SecretName":   cfg.SecretName(),
			"MaxAttempts":  strconv.Itoa(DefaultRetrievalAttempts),
			"DelaySeconds": strconv.Itoa(DefaultRetrievalDelay),
		},
		DependsOn: []string{KeyRetrieverLogsID},
	})

	t.Outputs[OutKeyPairID] = Output{Description: "Generated key pair ID", Value: GetAtt(KeyPairID, "KeyPairId")}
	t.Outputs[OutPrivateKeySecretArn] = Output{
		Description: "Secrets Manager ARN holding the SSH private key",
		Value:       GetAtt(PrivateKeySecretID, "SecretArn"),
	}
	t.Outputs[OutKeyRetrieverName] = Output{Description: "Key retriever function name", Value: Ref(KeyRetrieverFuncID)}
	t.Outputs[OutKeyRetrieverLogs] = Output{Description: "Key retriever log group", Value: Ref(KeyRetrieverLogsID)}
}

func ingress(proto string, port int, cidr, desc string) map[string]any {
	rule := map[string]any{
		"IpProtocol":  proto,
		"FromPort":    port,
		"ToPort":      port,
		"Description": desc,
	}
	if strings.Contains(cidr, ":") {
		rule["CidrIpv6"] = cidr
	} else {
		rule["CidrIp"] = cidr
	}
	return rule
}
