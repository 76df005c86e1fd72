// Package compat resolves recovery-system compatibility: which recovery
// revisions can serve a given release version, and which one to install when
// the current one cannot.
package compat

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/tplusa/updata/logger"
	"github.com/tplusa/updata/plan"
	"github.com/tplusa/updata/version"
)

// Vrange is one compatibility spec: either a single pattern string or a
// [min, max] pair of patterns.
type Vrange struct {
	version.VersionRange
}

func (v *Vrange) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		r, err := version.RangeFromPattern(single)
		if err != nil {
			return err
		}
		v.VersionRange = r
		return nil
	}

	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.New("vrange is neither a string nor a list")
	}
	if len(pair) != 2 {
		return errors.Newf("vrange list has %d items", len(pair))
	}

	r, err := version.RangeFromBounds(pair[0], pair[1])
	if err != nil {
		return err
	}
	v.VersionRange = r
	return nil
}

// Document is the strbo-recovery-compatibility.json contents. Each major
// release publishes its own document; the compatibility field maps recovery
// revisions to the release versions they can serve, and rank orders the
// revisions from least to most preferred.
type Document struct {
	Compatibility map[string][]Vrange `json:"compatibility"`
	Rank          []string            `json:"rank"`
}

// ParseDocument decodes a compatibility document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing compatibility document")
	}
	return &doc, nil
}

// CompatibleRevisions returns the set of recovery revisions with at least
// one vrange containing the version. A nil version is compatible with
// nothing.
func (d *Document) CompatibleRevisions(v *version.VersionNumber) (map[string]bool, error) {
	revs := map[string]bool{}

	for rev, ranges := range d.Compatibility {
		for _, r := range ranges {
			ok, err := r.Contains(v)
			if err != nil {
				return nil, err
			}
			if ok {
				revs[rev] = true
				break
			}
		}
	}

	return revs, nil
}

// PickBest returns the most preferred revision of the given set, iterating
// the rank from its tail. Empty intersection yields the empty string.
func (d *Document) PickBest(required map[string]bool) string {
	for i := len(d.Rank) - 1; i >= 0; i-- {
		if required[d.Rank[i]] {
			return d.Rank[i]
		}
	}
	return ""
}

// ResolveRequest carries the inputs of a compatibility resolution.
type ResolveRequest struct {
	Document         *Document
	InstalledVersion *version.VersionNumber
	TargetLine       string
	TargetVersion    version.VersionNumber
	TargetFlavor     string
	ForceUpdate      bool
	BaseURL          string
	MachineName      string
}

func revisionList(revs map[string]bool) []string {
	list := make([]string, 0, len(revs))
	for rev := range revs {
		list = append(list, rev)
	}
	sort.Strings(list)
	return list
}

// EnsureRecoverySystemCompatibility checks whether the installed recovery
// system can serve the target version. It returns nil when no replacement is
// needed, or a run-installer step addressing the best compatible recovery
// image otherwise.
func EnsureRecoverySystemCompatibility(req ResolveRequest) (*plan.RunInstaller, error) {
	if req.Document == nil {
		return nil, errors.New("file strbo-recovery-compatibility.json missing")
	}

	required, err := req.Document.CompatibleRevisions(&req.TargetVersion)
	if err != nil {
		return nil, err
	}
	logger.Log("Requested upgrade to %s/%s requires one of rsys versions %v",
		req.TargetLine, req.TargetVersion, revisionList(required))

	installed, err := req.Document.CompatibleRevisions(req.InstalledVersion)
	if err != nil {
		return nil, err
	}

	compatible := false
	for rev := range installed {
		if required[rev] {
			compatible = true
			break
		}
	}

	if compatible {
		detail := "not replacing"
		if req.ForceUpdate {
			detail = "update enforced"
		}
		logger.Log("Installed recovery system %s is compatible with %s: %s",
			req.InstalledVersion, req.TargetVersion, detail)
		if !req.ForceUpdate {
			return nil, nil
		}
	} else if !req.ForceUpdate {
		logger.Log("Installed recovery system %s is incompatible with %s",
			req.InstalledVersion, req.TargetVersion)
	}

	best := req.Document.PickBest(required)
	if best == "" {
		return nil, errors.Newf("no recovery system for %s found",
			req.TargetVersion)
	}

	logger.Log("Planning upgrade of recovery system to revision %s", best)

	return &plan.RunInstaller{
		RequestedLine:    req.TargetLine,
		RequestedVersion: req.TargetVersion.String(),
		RequestedFlavor:  req.TargetFlavor,
		InstallerURL: fmt.Sprintf("%s/%s/recovery-system.%s/strbo-rsysimg-%s.bin",
			req.BaseURL, req.TargetLine, req.MachineName, best),
	}, nil
}
