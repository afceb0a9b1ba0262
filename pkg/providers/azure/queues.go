package azure

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/sas"
	"github.com/rs/zerolog"

	"github.com/envforge/envforge/pkg/engine"
)

// DefaultQueueSASValidity is how long the agent's queue URL stays valid.
const DefaultQueueSASValidity = 365 * 24 * time.Hour

// QueueAccount is the storage account holding the input queues of one location.
type QueueAccount struct {
	AccountName string `mapstructure:"account_name" validate:"required"`

	// AccountKey enables shared key auth and SAS URLs. Without it the
	// orchestrator authenticates with its token credential and hands the
	// agent an unsigned URL.
	AccountKey string `mapstructure:"account_key"`

	// ServiceURL overrides https://<account>.queue.core.windows.net/.
	ServiceURL string `mapstructure:"service_url" validate:"omitempty,url"`
}

// Queues manages the per-instance command queues.
type Queues struct {
	accounts    map[string]QueueAccount
	credential  azcore.TokenCredential
	options     *azqueue.ClientOptions
	sasValidity time.Duration
	logger      zerolog.Logger

	// mu protects clients.
	mu      sync.Mutex
	clients map[string]*azqueue.ServiceClient
}

// NewQueues creates a queue provider. accounts is keyed by location.
func NewQueues(accounts map[string]QueueAccount, credential azcore.TokenCredential, pipeline *Pipeline, logger zerolog.Logger) *Queues {
	normalized := make(map[string]QueueAccount, len(accounts))
	for loc, acct := range accounts {
		normalized[normalizeLocation(loc)] = acct
	}
	return &Queues{
		accounts:    normalized,
		credential:  credential,
		options:     pipeline.QueueOptions(),
		sasValidity: DefaultQueueSASValidity,
		logger:      logger.With().Str("component", "azure-queues").Logger(),
		clients:     make(map[string]*azqueue.ServiceClient),
	}
}

// SetSASValidity overrides the lifetime of generated queue URLs.
func (q *Queues) SetSASValidity(d time.Duration) {
	q.sasValidity = d
}

func normalizeLocation(location string) string {
	return strings.ToLower(strings.ReplaceAll(location, " ", ""))
}

func (q *Queues) queueClient(location, name string) (*azqueue.QueueClient, bool, error) {
	key := normalizeLocation(location)
	acct, ok := q.accounts[key]
	if !ok {
		return nil, false, engine.NewPermanentError(fmt.Sprintf("no queue storage account configured for location %q", location), nil).
			WithCode(engine.ErrCodeConfiguration)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	svc, ok := q.clients[key]
	if !ok {
		serviceURL := acct.ServiceURL
		if serviceURL == "" {
			serviceURL = fmt.Sprintf("https://%s.queue.core.windows.net/", acct.AccountName)
		}

		var err error
		if acct.AccountKey != "" {
			var cred *azqueue.SharedKeyCredential
			cred, err = azqueue.NewSharedKeyCredential(acct.AccountName, acct.AccountKey)
			if err != nil {
				return nil, false, engine.NewPermanentError("invalid queue account key", err).WithCode(engine.ErrCodeConfiguration)
			}
			svc, err = azqueue.NewServiceClientWithSharedKeyCredential(serviceURL, cred, q.options)
		} else {
			svc, err = azqueue.NewServiceClient(serviceURL, q.credential, q.options)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to create queue service client: %w", err)
		}
		q.clients[key] = svc
	}

	return svc.NewQueueClient(name), acct.AccountKey != "", nil
}

// Create creates the queue if needed and returns the agent's connection.
func (q *Queues) Create(ctx context.Context, location, name string) (*engine.QueueConnection, error) {
	client, signed, err := q.queueClient(location, name)
	if err != nil {
		return nil, err
	}

	if _, err := client.Create(ctx, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return nil, classify(err, "create_queue", name)
	}

	url := client.URL()
	if signed {
		url, err = client.GetSASURL(sas.QueuePermissions{Read: true, Process: true}, time.Now().UTC().Add(q.sasValidity), nil)
		if err != nil {
			return nil, engine.NewPermanentError("failed to sign queue url", err).WithCode(engine.ErrCodeConfiguration)
		}
	}

	q.logger.Debug().Str("queue", name).Str("location", location).Msg("Queue ready")
	return &engine.QueueConnection{Name: name, URL: url}, nil
}

// Delete removes the queue. A missing queue is not an error.
func (q *Queues) Delete(ctx context.Context, location, name string) error {
	client, _, err := q.queueClient(location, name)
	if err != nil {
		return err
	}

	if _, err := client.Delete(ctx, nil); err != nil {
		if queueerror.HasCode(err, queueerror.QueueNotFound) || isNotFound(err) {
			return nil
		}
		return classify(err, "delete_queue", name)
	}
	return nil
}

// Exists reports whether the queue is still present. A queue being
// deleted still exists.
func (q *Queues) Exists(ctx context.Context, location, name string) (bool, error) {
	client, _, err := q.queueClient(location, name)
	if err != nil {
		return false, err
	}

	if _, err := client.GetProperties(ctx, nil); err != nil {
		switch {
		case queueerror.HasCode(err, queueerror.QueueBeingDeleted):
			return true, nil
		case queueerror.HasCode(err, queueerror.QueueNotFound) || isNotFound(err):
			return false, nil
		default:
			return false, classify(err, "get_queue", name)
		}
	}
	return true, nil
}

// Push enqueues a command for the in-VM agent. The body is base64 encoded JSON.
func (q *Queues) Push(ctx context.Context, location, name string, msg engine.QueueMessage) error {
	client, _, err := q.queueClient(location, name)
	if err != nil {
		return err
	}

	content, err := EncodeQueueMessage(msg)
	if err != nil {
		return engine.NewPermanentError("failed to encode queue message", err).WithCode(engine.ErrCodeValidation)
	}
	if _, err := client.EnqueueMessage(ctx, content, nil); err != nil {
		return classify(err, "push_queue_message", name)
	}
	return nil
}

// EncodeQueueMessage renders a message the way the agent reads it.
func EncodeQueueMessage(msg engine.QueueMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
