package emitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// SNSAPI defines the SNS operations used for notifications.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	ListSubscriptionsByTopic(ctx context.Context, params *sns.ListSubscriptionsByTopicInput, optFns ...func(*sns.Options)) (*sns.ListSubscriptionsByTopicOutput, error)
}

// EmailLookup returns the email address of a user.
type EmailLookup func(userID string) (string, error)

// SNSNotifier publishes reaped resources to a topic and subscribes the
// email of every newly bound user to it.
type SNSNotifier struct {
	Nop

	client  SNSAPI
	topic   string
	emails  EmailLookup
	log     zerolog.Logger
	now     func() time.Time
	timeout time.Duration
}

var _ Emitter = (*SNSNotifier)(nil)

// SNSOption configures an SNSNotifier.
type SNSOption func(*SNSNotifier)

// WithEmailLookup sets how a bound user's email is found.
// Without it bindings subscribe nobody.
func WithEmailLookup(fn EmailLookup) SNSOption {
	return func(n *SNSNotifier) { n.emails = fn }
}

// WithSNSLogger sets the logger.
func WithSNSLogger(log zerolog.Logger) SNSOption {
	return func(n *SNSNotifier) { n.log = log }
}

// WithSNSClock overrides the clock used to date notifications.
func WithSNSClock(now func() time.Time) SNSOption {
	return func(n *SNSNotifier) { n.now = now }
}

// WithSNSTimeout bounds every SNS call.
func WithSNSTimeout(d time.Duration) SNSOption {
	return func(n *SNSNotifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// NewSNSNotifier creates a notifier for topicARN.
func NewSNSNotifier(client SNSAPI, topicARN string, opts ...SNSOption) *SNSNotifier {
	n := &SNSNotifier{
		client:  client,
		topic:   topicARN,
		log:     zerolog.Nop(),
		now:     time.Now,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With().Str("component", "sns").Str("topic", topicARN).Logger()
	return n
}

// call runs fn detached from ctx so a cancelled caller does not drop a
// notification SNS may already be delivering.
func (n *SNSNotifier) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	return fn(cctx)
}

// EmitReap publishes one message per reaped resource.
func (n *SNSNotifier) EmitReap(ctx context.Context, ev ReapEvent) error {
	var errs []error
	for _, rec := range ev.Reaped {
		err := n.call(ctx, func(ctx context.Context) error {
			_, err := n.client.Publish(ctx, &sns.PublishInput{
				TopicArn: aws.String(n.topic),
				Subject:  aws.String(fmt.Sprintf("Overwatch: %s resource deleted", strings.ToUpper(rec.Type))),
				Message:  aws.String(n.reapMessage(ev.Account, rec)),
			})
			return err
		})
		if err != nil {
			n.log.Warn().Err(err).Str("account", string(ev.Account)).Str("resource_id", rec.ResourceID).Msg("publish reap notification failed")
			errs = append(errs, fmt.Errorf("publish %s: %w", rec.ResourceID, err))
			continue
		}
		n.log.Debug().Str("account", string(ev.Account)).Str("resource_id", rec.ResourceID).Msg("reap notification published")
	}
	if len(errs) > 0 {
		return apperr.External("notify reap", errors.Join(errs...))
	}
	return nil
}

func (n *SNSNotifier) reapMessage(account resource.AccountRef, rec resource.Record) string {
	tag, ok := rec.Labels[resource.TagDeleteAfter]
	if !ok {
		tag = rec.DeleteAfter.UTC().Format(time.RFC3339)
	}
	var b strings.Builder
	b.WriteString("The following resource has been automatically deleted:\n")
	fmt.Fprintf(&b, "- Resource ID: %s\n", rec.ResourceID)
	fmt.Fprintf(&b, "- Account: %s\n", account)
	fmt.Fprintf(&b, "- Type: %s\n", rec.Type)
	fmt.Fprintf(&b, "- Region: %s\n", rec.Region)
	fmt.Fprintf(&b, "- Deleted On: %s\n", n.now().UTC().Format(time.DateOnly))
	fmt.Fprintf(&b, "- Tag: %s = %s", resource.TagDeleteAfter, tag)
	return b.String()
}

// EmitBinding subscribes the user's email once their binding is bound.
// An address already subscribed to the topic is not subscribed again.
func (n *SNSNotifier) EmitBinding(ctx context.Context, ev BindingEvent) error {
	if ev.Status != resource.StatusBound || n.emails == nil {
		return nil
	}
	email, err := n.emails(ev.UserID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "notify binding", err)
	}
	if email == "" {
		return nil
	}

	subscribed, err := n.subscribed(ctx, email)
	if err != nil {
		return apperr.External("notify binding", err)
	}
	if subscribed {
		n.log.Debug().Str("user_id", ev.UserID).Msg("email already subscribed")
		return nil
	}

	err = n.call(ctx, func(ctx context.Context) error {
		_, err := n.client.Subscribe(ctx, &sns.SubscribeInput{
			TopicArn: aws.String(n.topic),
			Protocol: aws.String("email"),
			Endpoint: aws.String(email),
		})
		return err
	})
	if err != nil {
		return apperr.External("notify binding", err)
	}
	n.log.Info().Str("user_id", ev.UserID).Str("account", string(ev.Account)).Msg("subscription confirmation sent")
	return nil
}

// subscribed reports whether email already has an email subscription to the topic.
func (n *SNSNotifier) subscribed(ctx context.Context, email string) (bool, error) {
	var token *string
	for {
		var out *sns.ListSubscriptionsByTopicOutput
		err := n.call(ctx, func(ctx context.Context) error {
			var err error
			out, err = n.client.ListSubscriptionsByTopic(ctx, &sns.ListSubscriptionsByTopicInput{
				TopicArn:  aws.String(n.topic),
				NextToken: token,
			})
			return err
		})
		if err != nil {
			return false, err
		}
		for _, sub := range out.Subscriptions {
			if aws.ToString(sub.Protocol) == "email" && strings.EqualFold(aws.ToString(sub.Endpoint), email) {
				return true, nil
			}
		}
		if out.NextToken == nil {
			return false, nil
		}
		token = out.NextToken
	}
}
