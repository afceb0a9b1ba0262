package strategies

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/envforge/envforge/pkg/engine"
	"github.com/envforge/envforge/pkg/templates"
)

const (
	// WindowsAdminUser is the admin account created on Windows instances.
	WindowsAdminUser = "vsonline"

	// WindowsInstallDir is where the init shim unpacks the agent.
	WindowsInstallDir = `C:\VisualStudio`

	// WindowsNameLength is the length of generated Windows computer names.
	// Windows limits NetBIOS names to 15 characters.
	WindowsNameLength = 15

	nameAlphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	passwordLength   = 24
	passwordAlphabet = nameAlphabet + "!@#$%^&*-_=+"
)

// WindowsInitParameters is the blob handed to the init shim. The shim
// receives it base64-encoded as its only argument.
type WindowsInitParameters struct {
	InputQueueName   string            `json:"inputQueueName"`
	InputQueueURL    string            `json:"inputQueueUrl"`
	VMToken          string            `json:"vmToken"`
	AgentBlobURL     string            `json:"vmAgentBlobUrl"`
	ResourceID       string            `json:"resourceId"`
	FrontendHostName string            `json:"frontendServiceDnsHostName,omitempty"`
	InstallDir       string            `json:"installDir"`
	Extra            map[string]string `json:"parameters,omitempty"`
}

// Windows provisions Windows compute instances from the windows-vm template
// with a custom script extension running the init shim.
type Windows struct {
	templates     TemplateSource
	initScriptURL string
	logger        zerolog.Logger
}

// NewWindows creates the Windows strategy. initScriptURL is where the
// deployment downloads the init shim from.
func NewWindows(source TemplateSource, initScriptURL string, logger zerolog.Logger) *Windows {
	return &Windows{
		templates:     source,
		initScriptURL: initScriptURL,
		logger:        logger.With().Str("component", "windows-strategy").Logger(),
	}
}

// Name returns the strategy name.
func (w *Windows) Name() string { return "windows" }

// Accepts reports whether os is Windows.
func (w *Windows) Accepts(os engine.OSKind) bool { return os == engine.OSWindows }

// NewVMName returns a random alphanumeric name short enough for a Windows
// computer name.
func (w *Windows) NewVMName() (string, error) {
	name, err := randomString(nameAlphabet, WindowsNameLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate vm name: %w", err)
	}
	return name, nil
}

// Validate checks the fields the Windows init script needs.
func (w *Windows) Validate(req engine.CreateRequest) error {
	if err := requireFields(w.Name(), map[string]string{
		"initScriptUrl": w.initScriptURL,
		"agentBlobUrl":  req.AgentBlobURL,
		"resourceId":    req.ResourceID,
	}); err != nil {
		return err
	}
	_, err := imageReference(req.Image)
	return err
}

// Prepare renders the Windows deployment.
func (w *Windows) Prepare(ctx context.Context, req engine.CreateRequest, vmName string, queue *engine.QueueConnection) (*engine.DeploymentSpec, error) {
	if queue == nil {
		return nil, engine.NewPermanentError("windows strategy requires an input queue", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err := w.Validate(req); err != nil {
		return nil, err
	}

	template, err := w.templates.Template(templates.WindowsVM)
	if err != nil {
		return nil, engine.NewPermanentError("windows template unavailable", err).WithCode(engine.ErrCodeConfiguration)
	}

	image, err := imageReference(req.Image)
	if err != nil {
		return nil, err
	}

	password, err := randomString(passwordAlphabet, passwordLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin password: %w", err)
	}

	initParams, err := json.Marshal(WindowsInitParameters{
		InputQueueName:   queue.Name,
		InputQueueURL:    queue.URL,
		VMToken:          req.VMToken,
		AgentBlobURL:     req.AgentBlobURL,
		ResourceID:       req.ResourceID,
		FrontendHostName: req.FrontendHostName,
		InstallDir:       WindowsInstallDir,
		Extra:            req.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode init parameters: %w", err)
	}

	tags := engine.ResourceTags(req.Tags, req.Components, vmName)

	values := map[string]interface{}{
		"vmName":               vmName,
		"location":             req.Location,
		"vmSize":               req.SkuName,
		"imageReference":       image,
		"adminUserName":        WindowsAdminUser,
		"adminPassword":        password,
		"existingOsDiskId":     "",
		"initScriptUri":        w.initScriptURL,
		"initScriptParameters": base64.StdEncoding.EncodeToString(initParams),
		"resourceTags":         tags,
	}
	for k, v := range networkParameters(req, vmName) {
		values[k] = v
	}
	if disk, ok := req.ComponentOf(engine.KindDisk); ok {
		values["existingOsDiskId"] = armID("Microsoft.Compute/disks", disk.Identity)
		w.logger.Debug().Str("vm", vmName).Str("disk", disk.Identity.Name).Msg("Attaching existing OS disk")
	}

	return &engine.DeploymentSpec{
		SubscriptionID: req.SubscriptionID,
		ResourceGroup:  req.ResourceGroup,
		Location:       req.Location,
		Name:           engine.DeploymentName(engine.OSWindows, vmName),
		VMName:         vmName,
		Template:       template,
		Parameters:     templates.Parameters(values),
		Tags:           tags,
	}, nil
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
