package azure

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"golang.org/x/time/rate"
)

// rateLimitPolicy blocks each request until the shared limiter admits it.
type rateLimitPolicy struct {
	limiter *rate.Limiter
}

// Do implements policy.Policy.
func (p *rateLimitPolicy) Do(req *policy.Request) (*http.Response, error) {
	if err := p.limiter.Wait(req.Raw().Context()); err != nil {
		return nil, err
	}
	return req.Next()
}

// PipelineOptions tune the HTTP pipeline shared by every client.
type PipelineOptions struct {
	// RequestsPerSecond caps outgoing requests. Zero disables the limiter.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`

	// Burst is the limiter bucket size. Defaults to 1.
	Burst int `mapstructure:"burst" validate:"gte=0"`

	// MaxRetries is passed to the SDK retry policy. Negative disables retries.
	MaxRetries int32 `mapstructure:"max_retries"`

	// Transport overrides the HTTP transport.
	Transport policy.Transporter `mapstructure:"-"`
}

// Pipeline holds client options shared by every management-plane and
// storage client, including one rate limiter for all of them.
type Pipeline struct {
	options azcore.ClientOptions
}

// NewPipeline builds the shared client options.
func NewPipeline(o PipelineOptions) *Pipeline {
	opts := azcore.ClientOptions{
		Retry:     policy.RetryOptions{MaxRetries: o.MaxRetries},
		Transport: o.Transport,
	}
	if o.RequestsPerSecond > 0 {
		burst := o.Burst
		if burst <= 0 {
			burst = 1
		}
		opts.PerCallPolicies = []policy.Policy{
			&rateLimitPolicy{limiter: rate.NewLimiter(rate.Limit(o.RequestsPerSecond), burst)},
		}
	}
	return &Pipeline{options: opts}
}

// ARMOptions returns management-plane client options.
func (p *Pipeline) ARMOptions() *arm.ClientOptions {
	return &arm.ClientOptions{ClientOptions: p.options}
}

// QueueOptions returns storage queue client options.
func (p *Pipeline) QueueOptions() *azqueue.ClientOptions {
	return &azqueue.ClientOptions{ClientOptions: p.options}
}
