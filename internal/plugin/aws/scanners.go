package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/overwatch/internal/plugin"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// regionScan is one region's view for one scanner.
type regionScan struct {
	region    string
	accountID string
	clients   *Clients
	out       *collector
}

// add derives the resource id from the ARN. Ids that AWS only makes unique
// per region are qualified with the region.
func (rs *regionScan) add(kind, arn string, tags map[string]string) {
	rs.out.add(kind, rs.region, arn, resourceID(kind, rs.region, arn), tags)
}

// resourceID returns the id a record is keyed by within its account.
func resourceID(kind, region, arn string) string {
	switch kind {
	case "ec2", "ec2-volume", "s3":
		return resource.IDFromARN(arn)
	default:
		return region + "/" + nameFromARN(kind, arn)
	}
}

// nameFromARN returns the name the service's delete API expects.
func nameFromARN(kind, arn string) string {
	switch kind {
	case "ecr":
		if i := strings.Index(arn, ":repository/"); i >= 0 {
			return arn[i+len(":repository/"):]
		}
	case "logs":
		if i := strings.Index(arn, ":log-group:"); i >= 0 {
			return strings.TrimSuffix(arn[i+len(":log-group:"):], ":*")
		}
	case "autoscaling":
		if i := strings.Index(arn, "autoScalingGroupName/"); i >= 0 {
			return arn[i+len("autoScalingGroupName/"):]
		}
	case "cloudformation":
		// arn:aws:cloudformation:<region>:<account>:stack/<name>/<uuid>
		if i := strings.Index(arn, ":stack/"); i >= 0 {
			name, _, _ := strings.Cut(arn[i+len(":stack/"):], "/")
			return name
		}
	}
	return resource.IDFromARN(arn)
}

var tagKeyFilter = ec2types.Filter{
	Name:   aws.String("tag-key"),
	Values: []string{resource.TagDeleteAfter},
}

func ec2Tags(tags []ec2types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}

// scanEC2 scans running and pending EC2 instances.
func scanEC2(ctx context.Context, rs *regionScan) error {
	var nextToken *string

	for {
		output, err := rs.clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				tagKeyFilter,
				{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return fmt.Errorf("describe instances: %w", err)
		}

		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				arn := fmt.Sprintf("arn:aws:ec2:%s:%s:instance/%s", rs.region, rs.accountID, aws.ToString(instance.InstanceId))
				rs.add("ec2", arn, ec2Tags(instance.Tags))
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return nil
}

// scanVolumes scans EBS volumes that are not being deleted.
func scanVolumes(ctx context.Context, rs *regionScan) error {
	var nextToken *string

	for {
		output, err := rs.clients.EC2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			Filters: []ec2types.Filter{
				tagKeyFilter,
				{Name: aws.String("status"), Values: []string{"creating", "available", "in-use"}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return fmt.Errorf("describe volumes: %w", err)
		}

		for _, vol := range output.Volumes {
			arn := fmt.Sprintf("arn:aws:ec2:%s:%s:volume/%s", rs.region, rs.accountID, aws.ToString(vol.VolumeId))
			rs.add("ec2-volume", arn, ec2Tags(vol.Tags))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return nil
}

// scanRDS scans RDS instances that are not already being deleted.
func scanRDS(ctx context.Context, rs *regionScan) error {
	var marker *string

	for {
		output, err := rs.clients.RDS.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		if err != nil {
			return fmt.Errorf("describe db instances: %w", err)
		}

		for _, instance := range output.DBInstances {
			if aws.ToString(instance.DBInstanceStatus) == "deleting" {
				continue
			}
			tags := make(map[string]string, len(instance.TagList))
			for _, tag := range instance.TagList {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			rs.add("rds", aws.ToString(instance.DBInstanceArn), tags)
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return nil
}

// scanDynamoDB scans ACTIVE DynamoDB tables.
func scanDynamoDB(ctx context.Context, rs *regionScan) error {
	var lastTable *string

	for {
		output, err := rs.clients.DynamoDB.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: lastTable})
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}

		for _, name := range output.TableNames {
			desc, err := rs.clients.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
			if err != nil {
				return fmt.Errorf("describe table %s: %w", name, err)
			}
			if desc.Table == nil || desc.Table.TableStatus != ddbtypes.TableStatusActive {
				continue
			}
			arn := aws.ToString(desc.Table.TableArn)
			tags, err := dynamoTags(ctx, rs.clients.DynamoDB, arn)
			if err != nil {
				return err
			}
			rs.add("dynamodb", arn, tags)
		}

		if output.LastEvaluatedTableName == nil {
			break
		}
		lastTable = output.LastEvaluatedTableName
	}

	return nil
}

func dynamoTags(ctx context.Context, client DynamoDBAPI, arn string) (map[string]string, error) {
	tags := make(map[string]string)
	var nextToken *string
	for {
		output, err := client.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{ResourceArn: aws.String(arn), NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list tags of %s: %w", arn, err)
		}
		for _, t := range output.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		if output.NextToken == nil {
			return tags, nil
		}
		nextToken = output.NextToken
	}
}

// scanLambda scans Lambda functions that are not failed.
func scanLambda(ctx context.Context, rs *regionScan) error {
	var marker *string

	for {
		output, err := rs.clients.Lambda.ListFunctions(ctx, &lambda.ListFunctionsInput{Marker: marker})
		if err != nil {
			return fmt.Errorf("list functions: %w", err)
		}

		for _, fn := range output.Functions {
			if fn.State == lambdatypes.StateFailed {
				continue
			}
			arn := aws.ToString(fn.FunctionArn)
			tagsOut, err := rs.clients.Lambda.ListTags(ctx, &lambda.ListTagsInput{Resource: aws.String(arn)})
			if err != nil {
				return fmt.Errorf("list tags of %s: %w", arn, err)
			}
			rs.add("lambda", arn, tagsOut.Tags)
		}

		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	return nil
}

// scanECR scans ECR repositories.
func scanECR(ctx context.Context, rs *regionScan) error {
	var nextToken *string

	for {
		output, err := rs.clients.ECR.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{NextToken: nextToken})
		if err != nil {
			return fmt.Errorf("describe repositories: %w", err)
		}

		for _, repo := range output.Repositories {
			arn := aws.ToString(repo.RepositoryArn)
			tagsOut, err := rs.clients.ECR.ListTagsForResource(ctx, &ecr.ListTagsForResourceInput{ResourceArn: aws.String(arn)})
			if err != nil {
				return fmt.Errorf("list tags of %s: %w", arn, err)
			}
			tags := make(map[string]string, len(tagsOut.Tags))
			for _, t := range tagsOut.Tags {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			rs.add("ecr", arn, tags)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return nil
}

// scanSQS scans SQS queues.
func scanSQS(ctx context.Context, rs *regionScan) error {
	var nextToken *string

	for {
		output, err := rs.clients.SQS.ListQueues(ctx, &sqs.ListQueuesInput{NextToken: nextToken})
		if err != nil {
			return fmt.Errorf("list queues: %w", err)
		}

		for _, queueURL := range output.QueueUrls {
			tagsOut, err := rs.clients.SQS.ListQueueTags(ctx, &sqs.ListQueueTagsInput{QueueUrl: aws.String(queueURL)})
			if err != nil {
				return fmt.Errorf("list queue tags of %s: %w", queueURL, err)
			}
			arn := fmt.Sprintf("arn:aws:sqs:%s:%s:%s", rs.region, rs.accountID, extractQueueName(queueURL))
			rs.add("sqs", arn, tagsOut.Tags)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return nil
}

func extractQueueName(queueURL string) string {
	parts := strings.Split(queueURL, "/")
	return parts[len(parts)-1]
}

// scanLogGroups scans CloudWatch log groups.
func scanLogGroups(ctx context.Context, rs *regionScan) error {
	var nextToken *string

	for {
		output, err := rs.clients.Logs.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{NextToken: nextToken})
		if err != nil {
			return fmt.Errorf("describe log groups: %w", err)
		}

		for _, lg := range output.LogGroups {
			arn := strings.TrimSuffix(aws.ToString(lg.Arn), ":*")
			tagsOut, err := rs.clients.Logs.ListTagsForResource(ctx, &cloudwatchlogs.ListTagsForResourceInput{ResourceArn: aws.String(arn)})
			if err != nil {
				return fmt.Errorf("list tags of %s: %w", arn, err)
			}
			rs.add("logs", arn, tagsOut.Tags)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return nil
}

// scanLoadBalancers scans ELBv2 load balancers that are provisioning or active.
func scanLoadBalancers(ctx context.Context, rs *regionScan) error {
	var marker *string

	for {
		output, err := rs.clients.ELB.DescribeLoadBalancers(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{Marker: marker})
		if err != nil {
			return fmt.Errorf("describe load balancers: %w", err)
		}

		var arns []string
		for _, lb := range output.LoadBalancers {
			if lb.State != nil && lb.State.Code == elbtypes.LoadBalancerStateEnumFailed {
				continue
			}
			arns = append(arns, aws.ToString(lb.LoadBalancerArn))
		}
		if err := elbTags(ctx, rs, arns); err != nil {
			return err
		}

		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	return nil
}

// elbTags fetches tags in chunks of 20, the DescribeTags limit.
func elbTags(ctx context.Context, rs *regionScan, arns []string) error {
	for start := 0; start < len(arns); start += 20 {
		end := min(start+20, len(arns))
		output, err := rs.clients.ELB.DescribeTags(ctx, &elasticloadbalancingv2.DescribeTagsInput{ResourceArns: arns[start:end]})
		if err != nil {
			return fmt.Errorf("describe tags: %w", err)
		}
		for _, desc := range output.TagDescriptions {
			tags := make(map[string]string, len(desc.Tags))
			for _, t := range desc.Tags {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			rs.add("elbv2", aws.ToString(desc.ResourceArn), tags)
		}
	}
	return nil
}

// scanAutoScaling scans Auto Scaling groups that are not being deleted.
func scanAutoScaling(ctx context.Context, rs *regionScan) error {
	var nextToken *string

	for {
		output, err := rs.clients.AutoScaling.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{NextToken: nextToken})
		if err != nil {
			return fmt.Errorf("describe auto scaling groups: %w", err)
		}

		for _, asg := range output.AutoScalingGroups {
			if asg.Status != nil && strings.Contains(aws.ToString(asg.Status), "Delete") {
				continue
			}
			tags := make(map[string]string, len(asg.Tags))
			for _, t := range asg.Tags {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			rs.add("autoscaling", aws.ToString(asg.AutoScalingGroupARN), tags)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return nil
}

// scanStacks scans CloudFormation stacks that are not deleted or being deleted.
func scanStacks(ctx context.Context, rs *regionScan) error {
	var nextToken *string

	for {
		output, err := rs.clients.Stacks.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{NextToken: nextToken})
		if err != nil {
			return fmt.Errorf("describe stacks: %w", err)
		}

		for _, stack := range output.Stacks {
			if strings.HasPrefix(string(stack.StackStatus), "DELETE_") {
				continue
			}
			tags := make(map[string]string, len(stack.Tags))
			for _, t := range stack.Tags {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			rs.add("cloudformation", aws.ToString(stack.StackId), tags)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return nil
}

// scanS3 lists buckets once and keeps those located in a configured region.
func (p *Plugin) scanS3(ctx context.Context, creds aws.CredentialsProvider, access plugin.Access, out *collector) error {
	home := p.clients(creds, p.cfg.Regions[0])
	output, err := home.S3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}

	wanted := make(map[string]bool, len(p.cfg.Regions))
	for _, r := range p.cfg.Regions {
		wanted[r] = true
	}

	for _, bucket := range output.Buckets {
		name := aws.ToString(bucket.Name)
		loc, err := home.S3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(name)})
		if err != nil {
			return fmt.Errorf("get bucket location %s: %w", name, err)
		}
		region := bucketRegion(string(loc.LocationConstraint))
		if !wanted[region] {
			continue
		}

		tagging, err := p.clients(creds, region).S3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
		if err != nil {
			if isNoTags(err) {
				continue
			}
			return fmt.Errorf("get bucket tagging %s: %w", name, err)
		}
		tags := make(map[string]string, len(tagging.TagSet))
		for _, t := range tagging.TagSet {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		rs := &regionScan{region: region, accountID: access.Account.AccountID(), out: out}
		rs.add("s3", "arn:aws:s3:::"+name, tags)
	}

	return nil
}

// bucketRegion normalises GetBucketLocation's legacy answers.
func bucketRegion(constraint string) string {
	switch constraint {
	case "":
		return "us-east-1"
	case "EU":
		return "eu-west-1"
	default:
		return constraint
	}
}
