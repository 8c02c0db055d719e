package bus

// AzureBus implements Bus on Azure Service Bus. Topology management goes
// through the administration client; data-plane send/receive goes through
// cached senders and per-subscription receive loops. Response subscriptions
// are session-aware so that every correlation id (the session key) is
// drained in publish order by a single receiver.

import (
	"context"
	goerrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
	"github.com/theapemachine/a2a-relay/pkg/errors"
)

const (
	receiveBatchSize   = 10
	sessionIdleTimeout = 30 * time.Second
	receiveBackoff     = 5 * time.Second
	maxReceiveBackoff  = time.Minute
	selectorRuleName   = "selector"
)

/*
AzureConfig configures the Service Bus connection. When ConnectionString is
empty the bus authenticates with the default Azure credential chain (managed
identity in-cluster).
*/
type AzureConfig struct {
	Namespace        string
	ConnectionString string
	MaxDeliveryCount int32
	Retry            *errors.RetryConfig
}

// FullyQualifiedNamespace appends the service bus domain when the config
// carries a bare namespace name.
func (cfg AzureConfig) FullyQualifiedNamespace() string {
	if strings.HasSuffix(cfg.Namespace, ".servicebus.windows.net") {
		return cfg.Namespace
	}
	return cfg.Namespace + ".servicebus.windows.net"
}

type AzureBus struct {
	cfg    AzureConfig
	client *azservicebus.Client
	admin  *admin.Client

	mu      sync.Mutex
	senders map[string]*azservicebus.Sender
}

/*
NewAzureBus connects the data-plane and administration clients.
*/
func NewAzureBus(cfg AzureConfig) (*AzureBus, error) {
	if cfg.MaxDeliveryCount == 0 {
		cfg.MaxDeliveryCount = defaultMaxDelivery
	}
	if cfg.Retry == nil {
		cfg.Retry = errors.DefaultRetryConfig()
	}

	var (
		client      *azservicebus.Client
		adminClient *admin.Client
		err         error
	)

	if cfg.ConnectionString != "" {
		if client, err = azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil); err != nil {
			return nil, fmt.Errorf("failed to connect service bus client: %w", err)
		}
		if adminClient, err = admin.NewClientFromConnectionString(cfg.ConnectionString, nil); err != nil {
			return nil, fmt.Errorf("failed to connect service bus admin client: %w", err)
		}
	} else {
		credential, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire azure credential: %w", err)
		}
		fqns := cfg.FullyQualifiedNamespace()
		if client, err = azservicebus.NewClient(fqns, credential, nil); err != nil {
			return nil, fmt.Errorf("failed to connect service bus client: %w", err)
		}
		if adminClient, err = admin.NewClient(fqns, credential, nil); err != nil {
			return nil, fmt.Errorf("failed to connect service bus admin client: %w", err)
		}
		log.Info("connected to service bus with managed identity", "namespace", fqns)
	}

	return &AzureBus{
		cfg:     cfg,
		client:  client,
		admin:   adminClient,
		senders: make(map[string]*azservicebus.Sender),
	}, nil
}

func (a *AzureBus) EnsureTopology(ctx context.Context, groups []GroupSpec) error {
	for _, group := range groups {
		group = group.WithDefaults()
		for _, topic := range []string{RequestsTopic(group.Name), ResponsesTopic(group.Name), DeadLetterTopic(group.Name)} {
			if err := a.ensureTopic(ctx, topic, group); err != nil {
				if insufficientPermission(err) {
					log.Warn("no permission to manage topic, assuming it exists", "topic", topic)
					continue
				}
				return NewTopologyError("failed to ensure topic "+topic, err)
			}
		}
	}
	return nil
}

func (a *AzureBus) VerifyTopology(ctx context.Context, groups []GroupSpec) error {
	var missing []any
	for _, group := range groups {
		for _, topic := range []string{RequestsTopic(group.Name), ResponsesTopic(group.Name), DeadLetterTopic(group.Name)} {
			resp, err := a.admin.GetTopic(ctx, topic, nil)
			if err != nil {
				return fmt.Errorf("failed to look up topic %s: %w", topic, err)
			}
			if resp == nil {
				missing = append(missing, "missing topic: "+topic)
			}
		}
	}
	if len(missing) > 0 {
		return NewTopologyError(missing...)
	}
	return nil
}

func (a *AzureBus) ensureTopic(ctx context.Context, topic string, group GroupSpec) error {
	existing, err := a.admin.GetTopic(ctx, topic, nil)
	if err != nil {
		return err
	}

	if existing != nil {
		if divergent(existing.TopicProperties, group) {
			log.Warn("topic exists with divergent properties, leaving untouched", "topic", topic)
		}
		return nil
	}

	_, err = a.admin.CreateTopic(ctx, topic, &admin.CreateTopicOptions{
		Properties: &admin.TopicProperties{
			MaxSizeInMegabytes:                  to.Ptr(group.MaxSizeMB),
			DefaultMessageTimeToLive:            to.Ptr(iso8601(group.MessageTTL)),
			RequiresDuplicateDetection:          to.Ptr(true),
			DuplicateDetectionHistoryTimeWindow: to.Ptr(iso8601(group.DuplicateDetectionWindow)),
			EnablePartitioning:                  to.Ptr(group.EnablePartitioning),
			SupportOrdering:                     to.Ptr(true),
		},
	})
	if err != nil {
		return err
	}

	log.Info("created topic", "topic", topic, "group", group.Name)
	return nil
}

func (a *AzureBus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	sender, err := a.sender(topic)
	if err != nil {
		return err
	}

	msg := &azservicebus.Message{
		Body:                  body,
		MessageID:             to.Ptr(uuid.NewString()),
		CorrelationID:         to.Ptr(env.CorrelationID),
		SessionID:             to.Ptr(env.CorrelationID),
		ContentType:           to.Ptr("application/json"),
		ApplicationProperties: Properties(env),
	}
	if env.TTL > 0 {
		ttl := time.Duration(env.TTL) * time.Millisecond
		msg.TimeToLive = &ttl
	}

	return errors.RetryWithBackoff(a.cfg.Retry, func() error {
		return sender.SendMessage(ctx, msg, nil)
	})
}

func (a *AzureBus) Subscribe(ctx context.Context, sub Subscription, handler Handler) error {
	if err := a.ensureSubscription(ctx, sub); err != nil {
		return err
	}

	if sub.RequireSession {
		go a.receiveSessions(ctx, sub, handler)
	} else {
		go a.receive(ctx, sub, handler)
	}
	return nil
}

func (a *AzureBus) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []any
	for topic, sender := range a.senders {
		if err := sender.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sender for %s: %w", topic, err))
		}
	}
	a.senders = make(map[string]*azservicebus.Sender)

	if err := a.client.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *AzureBus) sender(topic string) (*azservicebus.Sender, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sender, ok := a.senders[topic]; ok {
		return sender, nil
	}
	sender, err := a.client.NewSender(topic, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for %s: %w", topic, err)
	}
	a.senders[topic] = sender
	return sender, nil
}

func (a *AzureBus) ensureSubscription(ctx context.Context, sub Subscription) error {
	existing, err := a.admin.GetSubscription(ctx, sub.Topic, sub.Name, nil)
	if err != nil {
		return fmt.Errorf("failed to look up subscription %s: %w", sub.Name, err)
	}

	if existing == nil {
		_, err = a.admin.CreateSubscription(ctx, sub.Topic, sub.Name, &admin.CreateSubscriptionOptions{
			Properties: &admin.SubscriptionProperties{
				RequiresSession:                  to.Ptr(sub.RequireSession),
				MaxDeliveryCount:                 to.Ptr(a.cfg.MaxDeliveryCount),
				DeadLetteringOnMessageExpiration: to.Ptr(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create subscription %s: %w", sub.Name, err)
		}
		log.Info("created subscription", "topic", sub.Topic, "name", sub.Name)
	}

	if sub.Selector.Property == "" {
		return nil
	}

	// Replace the match-all default rule with the selector. Both calls are
	// idempotent in effect: the default rule may already be gone and the
	// selector rule may already exist.
	_, _ = a.admin.DeleteRule(ctx, sub.Topic, sub.Name, "$Default", nil)
	_, err = a.admin.CreateRule(ctx, sub.Topic, sub.Name, &admin.CreateRuleOptions{
		Name:   to.Ptr(selectorRuleName),
		Filter: &admin.SQLFilter{Expression: sub.Selector.SQL()},
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("failed to install selector rule on %s: %w", sub.Name, err)
	}
	return nil
}

// receive pumps a non-session subscription, restarting with bounded backoff
// on transient failures.
func (a *AzureBus) receive(ctx context.Context, sub Subscription, handler Handler) {
	backoff := receiveBackoff
	for ctx.Err() == nil {
		receiver, err := a.client.NewReceiverForSubscription(sub.Topic, sub.Name, nil)
		if err != nil {
			log.Error("failed to open receiver, retrying", "subscription", sub.Name, "error", err)
			sleep(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = receiveBackoff

		a.pump(ctx, sub, receiver, handler)
		_ = receiver.Close(ctx)
	}
}

// receiveSessions accepts sessions as they appear and drains each in its own
// goroutine. One session maps to one correlation id.
func (a *AzureBus) receiveSessions(ctx context.Context, sub Subscription, handler Handler) {
	for ctx.Err() == nil {
		receiver, err := a.client.AcceptNextSessionForSubscription(ctx, sub.Topic, sub.Name, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// No session available within the server wait is a normal idle
			// condition; anything else gets a breather.
			sleep(ctx, time.Second)
			continue
		}

		go func() {
			defer func() { _ = receiver.Close(ctx) }()
			a.pumpSession(ctx, sub, receiver, handler)
		}()
	}
}

type azureReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
}

func (a *AzureBus) pump(ctx context.Context, sub Subscription, receiver azureReceiver, handler Handler) {
	for ctx.Err() == nil {
		messages, err := receiver.ReceiveMessages(ctx, receiveBatchSize, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("receive failed, reopening", "subscription", sub.Name, "error", err)
			}
			return
		}
		a.dispatch(ctx, sub, receiver, messages, handler)
	}
}

func (a *AzureBus) pumpSession(ctx context.Context, sub Subscription, receiver *azservicebus.SessionReceiver, handler Handler) {
	for ctx.Err() == nil {
		receiveCtx, cancel := context.WithTimeout(ctx, sessionIdleTimeout)
		messages, err := receiver.ReceiveMessages(receiveCtx, receiveBatchSize, nil)
		cancel()
		if err != nil || len(messages) == 0 {
			// Idle session: release it so another receiver (or a later
			// chunk) can re-acquire.
			return
		}
		a.dispatch(ctx, sub, receiver, messages, handler)
	}
}

func (a *AzureBus) dispatch(ctx context.Context, sub Subscription, receiver azureReceiver, messages []*azservicebus.ReceivedMessage, handler Handler) {
	for _, msg := range messages {
		env, err := envelope.Decode(msg.Body)
		if err != nil {
			log.Error("poison message, dead-lettering", "subscription", sub.Name, "error", err)
			_ = receiver.DeadLetterMessage(ctx, msg, &azservicebus.DeadLetterOptions{
				Reason: to.Ptr("envelope decode failed"),
			})
			continue
		}
		if env.Expired(time.Now()) {
			log.Warn("dropping expired envelope",
				"subscription", sub.Name, "correlationId", env.CorrelationID)
			_ = receiver.CompleteMessage(ctx, msg, nil)
			continue
		}

		handler(ctx, &Delivery{
			Envelope:      env,
			MessageID:     msg.MessageID,
			DeliveryCount: int(msg.DeliveryCount),
			settler:       &azureSettler{receiver: receiver, msg: msg},
		})
	}
}

type azureSettler struct {
	receiver azureReceiver
	msg      *azservicebus.ReceivedMessage
}

func (st *azureSettler) Complete(ctx context.Context) error {
	return st.receiver.CompleteMessage(ctx, st.msg, nil)
}

func (st *azureSettler) Abandon(ctx context.Context) error {
	return st.receiver.AbandonMessage(ctx, st.msg, nil)
}

func (st *azureSettler) DeadLetter(ctx context.Context, reason string) error {
	return st.receiver.DeadLetterMessage(ctx, st.msg, &azservicebus.DeadLetterOptions{
		Reason: to.Ptr(reason),
	})
}

func divergent(existing admin.TopicProperties, group GroupSpec) bool {
	if existing.MaxSizeInMegabytes != nil && *existing.MaxSizeInMegabytes != group.MaxSizeMB {
		return true
	}
	if existing.EnablePartitioning != nil && *existing.EnablePartitioning != group.EnablePartitioning {
		return true
	}
	if existing.RequiresDuplicateDetection != nil && !*existing.RequiresDuplicateDetection {
		return true
	}
	return false
}

func insufficientPermission(err error) bool {
	var respErr *azcore.ResponseError
	if goerrors.As(err, &respErr) {
		return respErr.StatusCode == 401 || respErr.StatusCode == 403
	}
	return false
}

func alreadyExists(err error) bool {
	var respErr *azcore.ResponseError
	if goerrors.As(err, &respErr) {
		return respErr.StatusCode == 409
	}
	return false
}

// iso8601 renders a duration in the ISO 8601 form the administration API
// expects, e.g. PT3600S.
func iso8601(d time.Duration) string {
	return fmt.Sprintf("PT%dS", int64(d.Seconds()))
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxReceiveBackoff {
		return maxReceiveBackoff
	}
	return d
}
