// Package artifact fetches update artifacts from the repository server:
// latest-version files, package manifests, and the recovery compatibility
// document.
package artifact

import (
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tplusa/updata/compat"
	"github.com/tplusa/updata/logger"
	"github.com/tplusa/updata/version"
)

// Client is a thin wrapper over an HTTP client. The zero HTTP field falls
// back to http.DefaultClient.
type Client struct {
	HTTP *http.Client
}

func NewClient() *Client {
	return &Client{HTTP: http.DefaultClient}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) get(url string) (int, []byte, error) {
	resp, err := c.httpClient().Get(url)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "GET %s", url)
	}

	return resp.StatusCode, body, nil
}

// ReadLatest fetches a latest.txt file and parses its contents as a version
// number. A missing file or unparsable content is logged and reported as not
// present; only transport failures are errors.
func (c *Client) ReadLatest(url, shortName string) (*version.VersionNumber, error) {
	status, body, err := c.get(url)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		v, err := version.Parse(strings.TrimSpace(string(body)))
		if err != nil {
			logger.Errormsg("Failed parsing version number from %s: %v",
				shortName, err)
			return nil, nil
		}
		return &v, nil
	case http.StatusNotFound:
		logger.Errormsg("File %s not found on server", shortName)
	default:
		logger.Errormsg("Failed downloading %s: %d", shortName, status)
	}

	return nil, nil
}

// ReadCompatibility fetches and parses the recovery compatibility document.
// Missing documents are logged and reported as not present.
func (c *Client) ReadCompatibility(url string) (*compat.Document, error) {
	status, body, err := c.get(url)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		doc, err := compat.ParseDocument(body)
		if err != nil {
			return nil, err
		}
		return doc, nil
	case http.StatusNotFound:
		logger.Errormsg("File strbo-recovery-compatibility.json not found on server")
	default:
		logger.Errormsg("Failed downloading strbo-recovery-compatibility.json: %d",
			status)
	}

	return nil, nil
}

// EnsureURLExists probes the URL with a HEAD request, following redirects.
func (c *Client) EnsureURLExists(url string) error {
	resp, err := c.httpClient().Head(url)
	if err != nil {
		return errors.Wrapf(err, "HEAD %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("cannot access %s: %d", url, resp.StatusCode)
	}

	return nil
}

// ManifestEntry is one line of a .version manifest: the package NVRA, the
// package name, and the package version.
type ManifestEntry struct {
	NVRA    string
	Name    string
	Version string
}

// Manifest fetches a .version manifest and parses its package lines.
func (c *Client) Manifest(url string) ([]ManifestEntry, error) {
	status, body, err := c.get(url)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.Newf("cannot access %s: %d", url, status)
	}

	var entries []ManifestEntry
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, errors.Newf("malformed manifest line %q", line)
		}

		entries = append(entries, ManifestEntry{
			NVRA:    fields[0],
			Name:    fields[1],
			Version: fields[2],
		})
	}

	return entries, nil
}

// ManifestPackageIDs fetches a .version manifest and returns just the first
// token of every non-empty line, the download set for the package manager.
func (c *Client) ManifestPackageIDs(url string) ([]string, error) {
	status, body, err := c.get(url)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.Newf("cannot access %s: %d", url, status)
	}

	var ids []string
	for _, line := range strings.Split(string(body), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		ids = append(ids, fields[0])
	}

	return ids, nil
}
