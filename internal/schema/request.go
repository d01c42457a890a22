package schema

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// FileMapping places a single uploaded blob at a path inside the
// container, in addition to any mounted directory state.
type FileMapping struct {
	Hash string `json:"sha256"`
	Mode uint32 `json:"mode,omitempty"`
}

// CommandSpec describes a command to run in an image.
type CommandSpec struct {
	Command          string                 `json:"command"`
	Image            string                 `json:"image"`
	Shell            bool                   `json:"shell,omitempty"`
	Args             []string               `json:"args,omitempty"`
	Env              map[string]string      `json:"env,omitempty"`
	Cwd              string                 `json:"cwd,omitempty"`
	Timeout          time.Duration          `json:"timeout,omitempty"`
	Disposable       bool                   `json:"disposable,omitempty"`
	Stdin            string                 `json:"stdin,omitempty"`
	DirectoryStateID string                 `json:"directory_state_id,omitempty"`
	Files            map[string]FileMapping `json:"files,omitempty"`
	TruncateOutputAt int                    `json:"truncate_output_at,omitempty"`
}

// ImportSpec describes an image import from an OCI registry.
type ImportSpec struct {
	RegistryURL string `json:"registry_url"`
	Tag         string `json:"tag,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
}

// Request is a submission to the backend. Exactly one of Command or
// Import is set, matching Kind.
type Request struct {
	Kind    Kind         `json:"kind"`
	Command *CommandSpec `json:"command,omitempty"`
	Import  *ImportSpec  `json:"import,omitempty"`
}

// NewCommandRequest is a shorthand for a command request.
func NewCommandRequest(spec CommandSpec) Request {
	return Request{Kind: KindCommand, Command: &spec}
}

// NewImportRequest is a shorthand for an import request.
func NewImportRequest(spec ImportSpec) Request {
	return Request{Kind: KindImport, Import: &spec}
}

// Validate checks that the request is well formed before submission.
func (r *Request) Validate() error {
	switch r.Kind {
	case KindCommand:
		if r.Command == nil || r.Import != nil {
			return fmt.Errorf("command request must carry only a command spec")
		}
		if r.Command.Command == "" {
			return fmt.Errorf("command is required")
		}
		if r.Command.Image == "" {
			return fmt.Errorf("image is required")
		}
		if r.Command.Timeout < 0 {
			return fmt.Errorf("timeout must not be negative (got %s)", r.Command.Timeout)
		}
		if r.Command.TruncateOutputAt < 0 {
			return fmt.Errorf("truncate_output_at must not be negative (got %d)", r.Command.TruncateOutputAt)
		}
		for path, f := range r.Command.Files {
			if !IsValidHash(f.Hash) {
				return fmt.Errorf("file %s: invalid sha256 %q", path, f.Hash)
			}
		}
	case KindImport:
		if r.Import == nil || r.Command != nil {
			return fmt.Errorf("import request must carry only an import spec")
		}
		if r.Import.RegistryURL == "" {
			return fmt.Errorf("registry_url is required")
		}
		if (r.Import.Username == "") != (r.Import.Password == "") {
			return fmt.Errorf("username and password must be given together")
		}
	default:
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	return nil
}

// Redacted returns a copy with registry credentials removed, suitable for
// logging and for the durable result cache.
func (r Request) Redacted() Request {
	c := r.clone()
	if c.Import != nil && c.Import.Password != "" {
		c.Import.Password = "***"
	}
	return c
}

// InputImage returns the image a command request runs in, or "".
func (r *Request) InputImage() string {
	if r == nil || r.Command == nil {
		return ""
	}
	return r.Command.Image
}

func (r Request) clone() Request {
	c := r
	if r.Command != nil {
		cmd := *r.Command
		cmd.Args = slices.Clone(r.Command.Args)
		cmd.Env = maps.Clone(r.Command.Env)
		cmd.Files = maps.Clone(r.Command.Files)
		c.Command = &cmd
	}
	if r.Import != nil {
		imp := *r.Import
		c.Import = &imp
	}
	return c
}
