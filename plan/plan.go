// Package plan defines the update plan: an ordered list of typed steps,
// serialized as a JSON array of objects discriminated by their "action"
// field.
package plan

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
)

// Step is one entry of an update plan. The set of implementations is closed;
// the executor dispatches over it with a single type switch.
type Step interface {
	Action() string
}

// UpdataUpdate modes annotated on a DNFInstall step.
const (
	UpdataDeferredDowngrade = "deferred_downgrade"
	UpdataDeferredRemoval   = "deferred_removal"
)

// Nop carries the version of the updata that generated the plan. Plans from
// legacy versions may omit it.
type Nop struct {
	OriginalUpdataVersion string `json:"original_updata_version,omitempty"`
}

func (Nop) Action() string { return "nop" }

// ManageRepos reconfigures the package manager's repository variables.
type ManageRepos struct {
	BaseURL       string `json:"base_url"`
	ReleaseLine   string `json:"release_line"`
	DisableFlavor string `json:"disable_flavor,omitempty"`
	EnableFlavor  string `json:"enable_flavor,omitempty"`
}

func (ManageRepos) Action() string { return "manage-repos" }

// DNFInstall performs the two-phase offline package install towards the
// requested version.
type DNFInstall struct {
	RequestedVersion string `json:"requested_version"`
	VersionFileURL   string `json:"version_file_url"`
	UpdataUpdate     string `json:"updata_update,omitempty"`
}

func (DNFInstall) Action() string { return "dnf-install" }

// DNFDistroSync synchronizes the installation with the configured
// repositories.
type DNFDistroSync struct{}

func (DNFDistroSync) Action() string { return "dnf-distro-sync" }

// RebootSystem reboots the appliance.
type RebootSystem struct{}

func (RebootSystem) Action() string { return "reboot-system" }

// RunInstaller replaces the recovery system with the addressed image.
type RunInstaller struct {
	RequestedLine    string `json:"requested_line"`
	RequestedVersion string `json:"requested_version"`
	RequestedFlavor  string `json:"requested_flavor"`
	InstallerURL     string `json:"installer_url"`
}

func (RunInstaller) Action() string { return "run-installer" }

// RecoverSystem recovers the main system through the recovery system,
// optionally replacing the recovery data first.
type RecoverSystem struct {
	RequestedLine    string `json:"requested_line"`
	RequestedVersion string `json:"requested_version"`
	RequestedFlavor  string `json:"requested_flavor"`
	KeepUserData     bool   `json:"keep_user_data"`
	RecoveryDataURL  string `json:"recovery_data_url,omitempty"`
}

func (RecoverSystem) Action() string { return "recover-system" }

// UnknownStep preserves a step whose action this version does not know. The
// executor logs and skips it; serialization round-trips the original object.
type UnknownStep struct {
	ActionName string
	Raw        json.RawMessage
}

func (s UnknownStep) Action() string { return s.ActionName }

func (s UnknownStep) MarshalJSON() ([]byte, error) { return s.Raw, nil }

// Plan is the ordered list of steps.
type Plan []Step

func marshalStep(s Step) ([]byte, error) {
	if u, ok := s.(UnknownStep); ok {
		return u.MarshalJSON()
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["action"], err = json.Marshal(s.Action())
	if err != nil {
		return nil, err
	}

	return json.Marshal(fields)
}

func (p Plan) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(p))
	for _, s := range p {
		raw, err := marshalStep(s)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func unmarshalStep(raw json.RawMessage) (Step, error) {
	var head struct {
		Action *string `json:"action"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	if head.Action == nil {
		return nil, errors.New("step without action")
	}

	var step Step
	switch *head.Action {
	case "nop":
		step = &Nop{}
	case "manage-repos":
		step = &ManageRepos{}
	case "dnf-install":
		step = &DNFInstall{}
	case "dnf-distro-sync":
		step = &DNFDistroSync{}
	case "reboot-system":
		step = &RebootSystem{}
	case "run-installer":
		step = &RunInstaller{}
	case "recover-system":
		step = &RecoverSystem{}
	default:
		return UnknownStep{ActionName: *head.Action, Raw: raw}, nil
	}

	if err := json.Unmarshal(raw, step); err != nil {
		return nil, err
	}

	return step, nil
}

func (p *Plan) UnmarshalJSON(data []byte) error {
	var rawSteps []json.RawMessage
	if err := json.Unmarshal(data, &rawSteps); err != nil {
		return err
	}

	steps := make(Plan, 0, len(rawSteps))
	for _, raw := range rawSteps {
		step, err := unmarshalStep(raw)
		if err != nil {
			return err
		}

		// pointer forms only exist for unmarshalling
		switch s := step.(type) {
		case *Nop:
			steps = append(steps, *s)
		case *ManageRepos:
			steps = append(steps, *s)
		case *DNFInstall:
			steps = append(steps, *s)
		case *DNFDistroSync:
			steps = append(steps, *s)
		case *RebootSystem:
			steps = append(steps, *s)
		case *RunInstaller:
			steps = append(steps, *s)
		case *RecoverSystem:
			steps = append(steps, *s)
		default:
			steps = append(steps, step)
		}
	}

	*p = steps
	return nil
}

// Load reads a plan file.
func Load(path string) (Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading plan %s", path)
	}

	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrapf(err, "invalid plan: %s", path)
	}

	return p, nil
}

// StepJSON renders one step for logging.
func StepJSON(s Step) string {
	raw, err := marshalStep(s)
	if err != nil {
		return s.Action()
	}
	return string(raw)
}
