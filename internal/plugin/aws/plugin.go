// Package aws implements the AWS scanner plugin for Overwatch.
// Every call runs as the user's role, assumed with the binding challenge as external id.
package aws

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/plugin"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// Name is the plugin identifier.
const Name = "aws"

// Config holds AWS plugin configuration.
type Config struct {
	Regions     []string
	Profile     string
	SessionName string
	Logger      zerolog.Logger
}

// Plugin implements the AWS scanner.
type Plugin struct {
	cfg    Config
	awsCfg aws.Config
	log    zerolog.Logger

	// sts assumes the user's role with Overwatch's own credentials.
	sts STSAPI
	// identity builds an STS client that runs as the assumed role.
	identity func(creds aws.CredentialsProvider) STSAPI
	// clients builds the service clients for one region (interfaces for testability).
	clients func(creds aws.CredentialsProvider, region string) *Clients
	// now stamps scan batches.
	now func() time.Time
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates a new AWS plugin from the default credential chain.
func New(ctx context.Context, cfg Config) (*Plugin, error) {
	if len(cfg.Regions) == 0 {
		return nil, fmt.Errorf("aws: at least one region required")
	}
	if cfg.SessionName == "" {
		cfg.SessionName = "overwatch"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Regions[0])}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	p := &Plugin{
		cfg:    cfg,
		awsCfg: awsCfg,
		log:    cfg.Logger.With().Str("plugin", Name).Logger(),
		sts:    sts.NewFromConfig(awsCfg),
		now:    time.Now,
	}
	p.identity = p.newIdentityClient
	p.clients = p.newClients
	return p, nil
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return Name
}

func (p *Plugin) newIdentityClient(creds aws.CredentialsProvider) STSAPI {
	cfg := p.awsCfg.Copy()
	cfg.Credentials = creds
	return sts.NewFromConfig(cfg)
}

func (p *Plugin) newClients(creds aws.CredentialsProvider, region string) *Clients {
	cfg := p.awsCfg.Copy()
	cfg.Region = region
	cfg.Credentials = creds
	return &Clients{
		EC2:         ec2.NewFromConfig(cfg),
		S3:          s3.NewFromConfig(cfg),
		RDS:         rds.NewFromConfig(cfg),
		DynamoDB:    dynamodb.NewFromConfig(cfg),
		Lambda:      lambda.NewFromConfig(cfg),
		ECR:         ecr.NewFromConfig(cfg),
		SQS:         sqs.NewFromConfig(cfg),
		Logs:        cloudwatchlogs.NewFromConfig(cfg),
		ELB:         elasticloadbalancingv2.NewFromConfig(cfg),
		AutoScaling: autoscaling.NewFromConfig(cfg),
		Stacks:      cloudformation.NewFromConfig(cfg),
	}
}

// credentials returns a cached provider that assumes the account's role.
func (p *Plugin) credentials(access plugin.Access) aws.CredentialsProvider {
	provider := stscreds.NewAssumeRoleProvider(p.sts, string(access.Account), func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = p.cfg.SessionName
		o.ExternalID = aws.String(access.Challenge)
	})
	return aws.NewCredentialsCache(provider)
}

// VerifyAccess assumes the role with challenge as external id and asks STS
// which account the assumed credentials belong to.
func (p *Plugin) VerifyAccess(ctx context.Context, ref resource.AccountRef, challenge string) (plugin.Verification, error) {
	out, err := p.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(string(ref)),
		RoleSessionName: aws.String(p.cfg.SessionName),
		ExternalId:      aws.String(challenge),
		DurationSeconds: aws.Int32(900),
	})
	if err != nil {
		return plugin.Verification{}, classify("verify access", err)
	}
	if out.Credentials == nil {
		return plugin.Verification{}, apperr.New(apperr.KindExternalRejected, "verify access", "sts returned no credentials for %s", ref)
	}

	creds := credentials.NewStaticCredentialsProvider(
		aws.ToString(out.Credentials.AccessKeyId),
		aws.ToString(out.Credentials.SecretAccessKey),
		aws.ToString(out.Credentials.SessionToken),
	)
	ident, err := p.identity(creds).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return plugin.Verification{}, classify("verify access", err)
	}

	accountID := aws.ToString(ident.Account)
	if want := ref.AccountID(); want != "" && want != accountID {
		return plugin.Verification{}, apperr.New(apperr.KindExternalRejected, "verify access",
			"role %s resolved to account %s", ref, accountID)
	}

	p.log.Info().Str("account", string(ref)).Str("account_id", accountID).Msg("role assumed")
	return plugin.Verification{AccountID: accountID, Challenge: challenge}, nil
}

type scanner struct {
	name string
	fn   func(context.Context, *regionScan) error
}

func scanners() []scanner {
	return []scanner{
		{"ec2", scanEC2},
		{"ec2-volume", scanVolumes},
		{"rds", scanRDS},
		{"dynamodb", scanDynamoDB},
		{"lambda", scanLambda},
		{"ecr", scanECR},
		{"sqs", scanSQS},
		{"logs", scanLogGroups},
		{"elbv2", scanLoadBalancers},
		{"autoscaling", scanAutoScaling},
		{"cloudformation", scanStacks},
	}
}

// Scan lists tagged, active resources in every configured region.
// A failing region or kind marks the batch partial; the rest still report.
func (p *Plugin) Scan(ctx context.Context, access plugin.Access) (resource.ScanBatch, error) {
	start := p.now().UTC()
	creds := p.credentials(access)
	out := &collector{account: access.Account}

	var wg sync.WaitGroup
	for _, region := range p.cfg.Regions {
		clients := p.clients(creds, region)
		for _, s := range scanners() {
			wg.Add(1)
			go func(region string, s scanner) {
				defer wg.Done()
				rs := &regionScan{region: region, accountID: access.Account.AccountID(), clients: clients, out: out}
				if err := s.fn(ctx, rs); err != nil {
					out.fail(region, s.name, err)
					p.log.Warn().Err(err).Str("region", region).Str("scanner", s.name).Msg("scan failed")
					return
				}
				out.succeed()
				p.log.Debug().Str("region", region).Str("scanner", s.name).Msg("scan complete")
			}(region, s)
		}
	}

	// S3 is global: list once, keep buckets located in a configured region.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.scanS3(ctx, creds, access, out); err != nil {
			out.fail("global", "s3", err)
			p.log.Warn().Err(err).Str("scanner", "s3").Msg("scan failed")
			return
		}
		out.succeed()
	}()

	wg.Wait()

	if out.allFailed() {
		// Nothing answered at all; surface the first failure instead of an empty partial batch.
		return resource.ScanBatch{}, out.firstErr
	}
	return out.batch(start), nil
}

// DeleteResource deletes rec with the API matching its type.
func (p *Plugin) DeleteResource(ctx context.Context, access plugin.Access, rec resource.Record) error {
	clients := p.clients(p.credentials(access), rec.Region)

	del, ok := deleters[rec.Type]
	if !ok {
		return apperr.New(apperr.KindExternalRejected, "delete resource", "unsupported resource type %q", rec.Type)
	}
	err := del(ctx, clients, rec)
	if err != nil && isNotFound(err) {
		p.log.Info().Str("resource_id", rec.ResourceID).Str("type", rec.Type).Msg("resource already gone")
		return nil
	}
	if err != nil {
		return classify("delete resource", err)
	}
	p.log.Info().Str("resource_id", rec.ResourceID).Str("type", rec.Type).Str("region", rec.Region).Msg("resource deleted")
	return nil
}

// collector gathers records from concurrent scanners.
type collector struct {
	mu       sync.Mutex
	account  resource.AccountRef
	records  []resource.Record
	errs     []string
	failures int
	firstErr error
	kinds    int
}

func (c *collector) allFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kinds > 0 && c.failures == c.kinds
}

func (c *collector) fail(region, kind string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds++
	c.failures++
	if c.firstErr == nil {
		c.firstErr = classify("scan", err)
	}
	c.errs = append(c.errs, fmt.Sprintf("%s/%s: %v", region, kind, err))
}

func (c *collector) succeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds++
}

// add records a resource if it carries a valid delete-after tag.
func (c *collector) add(kind, region, arn, id string, tags map[string]string) {
	value, ok := tags[resource.TagDeleteAfter]
	if !ok {
		return
	}
	deleteAfter, err := resource.ParseDeleteAfter(value)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errs = append(c.errs, fmt.Sprintf("%s/%s %s: %v", region, kind, id, err))
		return
	}
	labels := make(map[string]string, len(tags))
	for k, v := range tags {
		labels[k] = v
	}
	c.records = append(c.records, resource.Record{
		AccountRef:  c.account,
		ResourceID:  id,
		ARN:         arn,
		Type:        kind,
		Region:      region,
		DeleteAfter: deleteAfter,
		Labels:      labels,
	})
}

func (c *collector) batch(scannedAt time.Time) resource.ScanBatch {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := append([]resource.Record(nil), c.records...)
	for i := range records {
		records[i].ScannedAt = scannedAt
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ResourceID < records[j].ResourceID })
	errs := append([]string(nil), c.errs...)
	sort.Strings(errs)

	return resource.ScanBatch{
		AccountRef: c.account,
		ScannedAt:  scannedAt,
		Records:    records,
		Partial:    c.failures > 0,
		Errors:     errs,
	}
}
