package stack

import "github.com/onimenotsuki/keysely-n8n-infra/config"

func assumeRolePolicy(service string) map[string]any {
	return map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Effect":    "Allow",
				"Principal": map[string]any{"Service": service},
				"Action":    "sts:AssumeRole",
			},
		},
	}
}

// keyRetrieverPolicy scopes the handler to key pair parameters and to secrets
// under the stack's name prefix.
func keyRetrieverPolicy(cfg config.Config) map[string]any {
	return map[string]any{
		"PolicyName": "key-retriever",
		"PolicyDocument": map[string]any{
			"Version": "2012-10-17",
			"Statement": []any{
				map[string]any{
					"Effect":   "Allow",
					"Action":   []any{"ssm:GetParameter"},
					"Resource": Sub("arn:${AWS::Partition}:ssm:${AWS::Region}:${AWS::AccountId}:parameter/ec2/keypair/*"),
				},
				map[string]any{
					"Effect": "Allow",
					"Action": []any{
						"secretsmanager:CreateSecret",
						"secretsmanager:PutSecretValue",
						"secretsmanager:DescribeSecret",
						"secretsmanager:DeleteSecret",
						"secretsmanager:TagResource",
					},
					"Resource": Sub("arn:${AWS::Partition}:secretsmanager:${AWS::Region}:${AWS::AccountId}:secret:" + cfg.StackName + "/*"),
				},
			},
		},
	}
}
