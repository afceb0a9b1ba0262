package strategies

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/envforge/envforge/pkg/engine"
	"github.com/envforge/envforge/pkg/templates"
)

const (
	// LinuxAdminUser is the admin account created on Linux instances.
	LinuxAdminUser = "cloudenv"

	// LinuxPublicKeyPath is where the admin key is installed.
	LinuxPublicKeyPath = "/home/" + LinuxAdminUser + "/.ssh/authorized_keys"
)

// Linux provisions Linux compute instances from the linux-vm template with a
// cloud-init style custom data script.
type Linux struct {
	templates TemplateSource
	logger    zerolog.Logger
}

// NewLinux creates the Linux strategy.
func NewLinux(source TemplateSource, logger zerolog.Logger) *Linux {
	return &Linux{
		templates: source,
		logger:    logger.With().Str("component", "linux-strategy").Logger(),
	}
}

// Name returns the strategy name.
func (l *Linux) Name() string { return "linux" }

// Accepts reports whether os is Linux.
func (l *Linux) Accepts(os engine.OSKind) bool { return os == engine.OSLinux }

// NewVMName returns a random UUID.
func (l *Linux) NewVMName() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate vm name: %w", err)
	}
	return id.String(), nil
}

// Validate checks the fields the Linux init script needs.
func (l *Linux) Validate(req engine.CreateRequest) error {
	if err := requireFields(l.Name(), map[string]string{
		"agentBlobUrl":     req.AgentBlobURL,
		"resourceId":       req.ResourceID,
		"frontendHostName": req.FrontendHostName,
	}); err != nil {
		return err
	}
	if _, err := imageReference(req.Image); err != nil {
		return err
	}
	if strings.TrimSpace(req.AdminPublicKey) != "" {
		if _, _, err := adminAuthorizedKey(req.AdminPublicKey); err != nil {
			return err
		}
	}
	return nil
}

// Prepare renders the Linux deployment.
func (l *Linux) Prepare(ctx context.Context, req engine.CreateRequest, vmName string, queue *engine.QueueConnection) (*engine.DeploymentSpec, error) {
	if queue == nil {
		return nil, engine.NewPermanentError("linux strategy requires an input queue", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err := l.Validate(req); err != nil {
		return nil, err
	}

	template, err := l.templates.Template(templates.LinuxVM)
	if err != nil {
		return nil, engine.NewPermanentError("linux template unavailable", err).WithCode(engine.ErrCodeConfiguration)
	}
	script, err := l.templates.Script(templates.LinuxInit)
	if err != nil {
		return nil, engine.NewPermanentError("linux init script unavailable", err).WithCode(engine.ErrCodeConfiguration)
	}

	image, err := imageReference(req.Image)
	if err != nil {
		return nil, err
	}

	adminKey, generated, err := adminAuthorizedKey(req.AdminPublicKey)
	if err != nil {
		return nil, err
	}
	if generated {
		l.logger.Debug().Str("vm", vmName).Msg("No admin key supplied, installed an ephemeral key")
	}

	rendered := templates.RenderScript(script, map[string]string{
		templates.PlaceholderQueueName:        queue.Name,
		templates.PlaceholderQueueURL:         queue.URL,
		templates.PlaceholderVMToken:          req.VMToken,
		templates.PlaceholderAgentBlobURL:     req.AgentBlobURL,
		templates.PlaceholderResourceID:       req.ResourceID,
		templates.PlaceholderPublicKeyPath:    LinuxPublicKeyPath,
		templates.PlaceholderFrontendHostName: req.FrontendHostName,
	})
	if left := templates.Unresolved(rendered); len(left) > 0 {
		l.logger.Warn().Strs("placeholders", left).Msg("Init script has unresolved placeholders")
	}

	tags := engine.ResourceTags(req.Tags, req.Components, vmName)

	values := map[string]interface{}{
		"vmName":             vmName,
		"location":           req.Location,
		"vmSize":             req.SkuName,
		"imageReference":     image,
		"adminUserName":      LinuxAdminUser,
		"adminPublicKey":     adminKey,
		"adminPublicKeyPath": LinuxPublicKeyPath,
		"customData":         templates.EncodeCustomData(rendered),
		"resourceTags":       tags,
	}
	for k, v := range networkParameters(req, vmName) {
		values[k] = v
	}

	return &engine.DeploymentSpec{
		SubscriptionID: req.SubscriptionID,
		ResourceGroup:  req.ResourceGroup,
		Location:       req.Location,
		Name:           engine.DeploymentName(engine.OSLinux, vmName),
		VMName:         vmName,
		Template:       template,
		Parameters:     templates.Parameters(values),
		Tags:           tags,
	}, nil
}

// adminAuthorizedKey validates a supplied authorized_keys line, or mints an
// ed25519 key whose private half is discarded so the account is reachable
// only through keys the agent installs later.
func adminAuthorizedKey(supplied string) (string, bool, error) {
	if strings.TrimSpace(supplied) != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(supplied))
		if err != nil {
			return "", false, engine.NewPermanentError("invalid admin public key", err).
				WithCode(engine.ErrCodeValidation)
		}
		return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))), false, nil
	}

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", false, fmt.Errorf("failed to generate admin key: %w", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode admin key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))), true, nil
}
