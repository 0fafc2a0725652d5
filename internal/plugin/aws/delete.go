package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/overwatch/pkg/resource"
)

type deleter func(ctx context.Context, c *Clients, rec resource.Record) error

// deleters maps a record type to the call that removes it.
var deleters = map[string]deleter{
	"ec2": func(ctx context.Context, c *Clients, rec resource.Record) error {
		_, err := c.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{nameFromARN("ec2", rec.ARN)},
		})
		return err
	},
	"ec2-volume": func(ctx context.Context, c *Clients, rec resource.Record) error {
		_, err := c.EC2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(nameFromARN("ec2-volume", rec.ARN))})
		return err
	},
	"rds": func(ctx context.Context, c *Clients, rec resource.Record) error {
		_, err := c.RDS.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
			DBInstanceIdentifier:   aws.String(nameFromARN("rds", rec.ARN)),
			SkipFinalSnapshot:      aws.Bool(true),
			DeleteAutomatedBackups: aws.Bool(true),
		})
		return err
	},
	"dynamodb": func(ctx context.Context, c *Clients, rec resource.Record) error {
		_, err := c.DynamoDB.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(nameFromARN("dynamodb", rec.ARN))})
		return err
	},
	"lambda": func(ctx context.Context, c *Clients, rec resource.Record) error {
		_, err := c.Lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(rec.ARN)})
		return err
	},
	"ecr": func(ctx context.Context, c *Clients, rec resource.Record) error {
		_, err := c.ECR.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
			RepositoryName: aws.String(nameFromARN("ecr", rec.ARN)),
			Force:          true,
		})
		return err
	},
	"sqs": func(ctx context.Context, c *Clients, rec resource.Record) error {
		url, err := c.SQS.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(nameFromARN("sqs", rec.ARN))})
		if err != nil {
			return err
		}
		_, err = c.SQS.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: url.QueueUrl})
		return err
	},
	"logs": func(ctx context.Context, c *Clients, rec resource.Record) error {
		_, err := c.Logs.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(nameFromARN("logs", rec.ARN))})
		return err
	},
	"elbv2": func(ctx context.Context, c *Clients, rec resource.Record) error {
		_, err := c.ELB.DeleteLoadBalancer(ctx, &elasticloadbalancingv2.DeleteLoadBalancerInput{LoadBalancerArn: aws.String(rec.ARN)})
		return err
	},
	"autoscaling": func(ctx context.Context, c *Clients, rec resource.Record) error {
		_, err := c.AutoScaling.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(nameFromARN("autoscaling", rec.ARN)),
			ForceDelete:          aws.Bool(true),
		})
		return err
	},
	"cloudformation": deleteStack,
	"s3":             deleteBucket,
}

// deleteStack removes a stack by its id. DeleteStack succeeds for stacks
// that no longer exist, so the stack is described first to report it gone.
func deleteStack(ctx context.Context, c *Clients, rec resource.Record) error {
	out, err := c.Stacks.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(rec.ARN)})
	if err != nil {
		return err
	}
	if len(out.Stacks) == 0 {
		return errStackGone
	}
	// DELETE_FAILED stacks are deleted again.
	switch out.Stacks[0].StackStatus {
	case cftypes.StackStatusDeleteComplete, cftypes.StackStatusDeleteInProgress:
		return errStackGone
	}
	_, err = c.Stacks.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(rec.ARN)})
	return err
}

// deleteBucket empties and removes a bucket. Object versions are not purged,
// so a versioned bucket fails with BucketNotEmpty.
func deleteBucket(ctx context.Context, c *Clients, rec resource.Record) error {
	bucket := aws.String(nameFromARN("s3", rec.ARN))
	var token *string

	for {
		list, err := c.S3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: bucket, ContinuationToken: token})
		if err != nil {
			return err
		}

		if len(list.Contents) > 0 {
			ids := make([]s3types.ObjectIdentifier, 0, len(list.Contents))
			for _, obj := range list.Contents {
				ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
			}
			out, err := c.S3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: bucket,
				Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return err
			}
			if len(out.Errors) > 0 {
				e := out.Errors[0]
				return fmt.Errorf("delete object %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
			}
		}

		if !aws.ToBool(list.IsTruncated) {
			break
		}
		token = list.NextContinuationToken
	}

	_, err := c.S3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: bucket})
	return err
}
