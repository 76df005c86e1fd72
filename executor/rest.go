package executor

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tplusa/updata/logger"
)

// errHTTPStatus marks errors caused by a non-success HTTP status, as opposed
// to connection failures.
var errHTTPStatus = errors.New("unexpected http status")

// IsConnectionError tells whether the error came from failing to reach the
// server at all.
func IsConnectionError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

type endpointLink struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

// restClient drives the appliance REST API. Endpoints are discovered from
// the entry point's _links document, fetched once per run.
type restClient struct {
	baseURL    string
	httpClient *http.Client

	entryPoint map[string][]endpointLink
}

func newRESTClient(baseURL string) *restClient {
	return &restClient{baseURL: baseURL, httpClient: http.DefaultClient}
}

func statusError(op, target string, resp *http.Response) error {
	return errors.Mark(
		errors.Newf("%s %s: %s", op, target, resp.Status), errHTTPStatus)
}

// endpoint resolves a named endpoint within a category of the API entry
// point.
func (r *restClient) endpoint(category, id string) (string, error) {
	if r.entryPoint == nil {
		resp, err := r.httpClient.Get(r.baseURL + "/")
		if err != nil {
			return "", errors.Wrapf(err, "GET %s/", r.baseURL)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", statusError("GET", r.baseURL+"/", resp)
		}

		var entry struct {
			Links map[string][]endpointLink `json:"_links"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
			return "", errors.Wrap(err, "parsing REST API entry point")
		}
		r.entryPoint = entry.Links
	}

	for _, ep := range r.entryPoint[category] {
		if ep.Name == id {
			return r.baseURL + ep.Href, nil
		}
	}

	logger.Errormsg("API endpoint %s in %s not found", id, category)
	return "", errors.Newf("API endpoint %s in %s not found", id, category)
}

// postForm sends a form-encoded POST; nil values post an empty body.
func (r *restClient) postForm(endpoint string, values url.Values) error {
	resp, err := r.httpClient.Post(endpoint,
		"application/x-www-form-urlencoded",
		strings.NewReader(values.Encode()))
	if err != nil {
		return errors.Wrapf(err, "POST %s", endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("POST", endpoint, resp)
	}

	return nil
}

// postJSON sends a JSON-encoded POST.
func (r *restClient) postJSON(endpoint string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := r.httpClient.Post(endpoint, "application/json",
		bytes.NewReader(raw))
	if err != nil {
		return errors.Wrapf(err, "POST %s", endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("POST", endpoint, resp)
	}

	return nil
}

// getJSON fetches an endpoint and decodes its JSON response.
func (r *restClient) getJSON(endpoint string, out interface{}) error {
	resp, err := r.httpClient.Get(endpoint)
	if err != nil {
		return errors.Wrapf(err, "GET %s", endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("GET", endpoint, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "GET %s", endpoint)
	}

	return json.Unmarshal(raw, out)
}

// infoResponse is the shape of the system_info and data_info replies.
type infoResponse struct {
	Status struct {
		State string `json:"state"`
	} `json:"status"`
	VersionInfo struct {
		Number      string `json:"number"`
		ReleaseLine string `json:"release_line"`
		Flavor      string `json:"flavor"`
	} `json:"version_info"`
}
