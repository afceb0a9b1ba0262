package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/envforge/envforge/pkg/engine"
)

// readInput returns the contents of path, or of stdin when path is "-".
func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// decodeRequest decodes a YAML or JSON request document into v. YAML is
// normalized to JSON first so the request types keep a single set of tags.
func decodeRequest(data []byte, v interface{}) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse request: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("request document is empty")
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to normalize request: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}
	return nil
}

func readRequest(cmd *cobra.Command, path string, v interface{}) error {
	data, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	return decodeRequest(data, v)
}

// parseToken accepts either a bare token or the output of a previous command,
// which carries the token under "token".
func parseToken(data []byte) (*engine.ContinuationToken, error) {
	var wrapper struct {
		Token json.RawMessage `json:"token"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Token) > 0 && string(wrapper.Token) != "null" {
		return engine.DecodeToken(string(wrapper.Token))
	}
	return engine.DecodeToken(string(data))
}

func readToken(cmd *cobra.Command, path string) (*engine.ContinuationToken, error) {
	data, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return nil, err
	}
	return parseToken(data)
}

// resultView is the printed form of an OperationResult.
type resultView struct {
	State        engine.OperationState     `json:"state"`
	Token        *engine.ContinuationToken `json:"token,omitempty"`
	RetryAttempt int                       `json:"retryAttempt"`
	ErrorDetail  string                    `json:"errorDetail,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

func newResultView(result engine.OperationResult) resultView {
	view := resultView{
		State:        result.State,
		Token:        result.Token,
		RetryAttempt: result.RetryAttempt,
		ErrorDetail:  result.ErrorDetail,
	}
	if result.Err != nil {
		view.Error = result.Err.Error()
	}
	return view
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	if !jsonOutput {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

var errOperationFailed = errors.New("operation failed")

// finish prints the result so its token is never lost, then turns a failed
// call or a failed operation into a command error.
func finish(cmd *cobra.Command, result engine.OperationResult, callErr error) error {
	if result.State != "" {
		if err := writeJSON(cmd.OutOrStdout(), newResultView(result)); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Fprintln(cmd.ErrOrStderr(), stateLabel(result.State))
		}
	}

	if callErr != nil {
		return callErr
	}
	if result.State == engine.StateFailed {
		if result.Err != nil {
			return fmt.Errorf("%w: %w", errOperationFailed, result.Err)
		}
		return errOperationFailed
	}
	return nil
}

// stateLabel colors a state for terminal output.
func stateLabel(state engine.OperationState) string {
	var c *color.Color
	switch state {
	case engine.StateSucceeded:
		c = color.New(color.FgGreen, color.Bold)
	case engine.StateFailed, engine.StateCancelled:
		c = color.New(color.FgRed, color.Bold)
	case engine.StateInProgress:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.Faint)
	}
	return c.Sprint(string(state))
}
