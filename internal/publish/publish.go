// Package publish pushes rendered artifacts to a GitHub repository through
// the contents API. Each artifact is checked first to learn its current
// blob sha; an absent file is created, a present one is updated with that
// sha so a concurrent writer surfaces as a conflict instead of being
// silently overwritten.
package publish

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"mediadigest/internal/config"
	"mediadigest/internal/connector"
	appLog "mediadigest/internal/log"
	"mediadigest/internal/report"
	"mediadigest/internal/syncerr"
)

const (
	serviceName = "github"

	defaultAPIURL        = "https://api.github.com"
	defaultCommitMessage = "Update {path}"
	apiVersion           = "2022-11-28"
)

// Outcome is what happened to one artifact.
type Outcome string

const (
	Created Outcome = "created"
	Updated Outcome = "updated"
	Failed  Outcome = "failed"
)

// Result is the per-artifact publish outcome.
type Result struct {
	Name    string
	Path    string
	Outcome Outcome
	Err     error
}

type Results []Result

// OK reports whether every artifact was written.
func (rs Results) OK() bool {
	for _, r := range rs {
		if r.Outcome == Failed {
			return false
		}
	}
	return true
}

// Err joins the failures, or returns nil.
func (rs Results) Err() error {
	var errs []error
	for _, r := range rs {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Path, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Remote is the state of a remote path as seen by the check step.
type Remote struct {
	Path    string
	Exists  bool
	SHA     string
	Content []byte
}

// Publisher writes to one repository and branch.
type Publisher struct {
	target config.PublishTarget
	opts   connector.Options

	once      sync.Once
	client    *connector.Client
	clientErr error
	repoPath  string
}

// New creates a publisher. Nothing is validated until the first call.
func New(target config.PublishTarget, opts connector.Options) *Publisher {
	return &Publisher{target: target, opts: opts}
}

func (p *Publisher) Name() string { return serviceName }

func (p *Publisher) ready() (*connector.Client, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(p.target.Repo), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, syncerr.NotConfigured(serviceName, "repo")
	}
	if strings.TrimSpace(p.target.Token) == "" {
		return nil, syncerr.NotConfigured(serviceName, "token")
	}

	p.once.Do(func() {
		p.repoPath = "/repos/" + owner + "/" + repo

		base := p.opts.HTTPClient
		if base == nil {
			base = &http.Client{}
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: p.target.Token,
			TokenType:   "Bearer",
		}))

		opts := p.opts
		opts.HTTPClient = hc

		headers := http.Header{}
		headers.Set("Accept", "application/vnd.github+json")
		headers.Set("X-GitHub-Api-Version", apiVersion)

		apiURL := p.target.APIURL
		if strings.TrimSpace(apiURL) == "" {
			apiURL = defaultAPIURL
		}
		p.client, p.clientErr = connector.New(serviceName, apiURL, headers, opts)
		if p.clientErr != nil {
			p.clientErr = &syncerr.Error{Kind: syncerr.KindNotConfigured, Service: serviceName, Err: p.clientErr}
		}
	})
	return p.client, p.clientErr
}

// TestConnection probes the repository root.
func (p *Publisher) TestConnection(ctx context.Context) error {
	cl, err := p.ready()
	if err != nil {
		return err
	}
	if _, err := cl.Get(ctx, p.repoPath, nil, nil); err != nil {
		return err
	}
	appLog.Info("github connection successful", "repo", p.target.Repo)
	return nil
}

// RemotePath maps an artifact name to its path in the repository.
func (p *Publisher) RemotePath(name string) string {
	prefix := strings.Trim(p.target.PathPrefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

type contentsResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// Fetch is the check step: it reads remotePath on the target branch.
// A missing file is not an error; Remote.Exists is false.
func (p *Publisher) Fetch(ctx context.Context, remotePath string) (Remote, error) {
	cl, err := p.ready()
	if err != nil {
		return Remote{}, err
	}
	endpoint := p.contentsPath(remotePath)

	var query url.Values
	if p.target.Branch != "" {
		query = url.Values{"ref": {p.target.Branch}}
	}
	resp, err := cl.Get(ctx, endpoint, query, nil)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return Remote{Path: remotePath}, nil
		}
		return Remote{}, err
	}

	var cr contentsResponse
	if err := json.Unmarshal(resp.Body, &cr); err != nil {
		return Remote{}, syncerr.Malformed(serviceName, endpoint, err)
	}
	if cr.SHA == "" {
		return Remote{}, syncerr.Malformed(serviceName, endpoint, errors.New("response has no sha (is the path a directory?)"))
	}

	remote := Remote{Path: remotePath, Exists: true, SHA: cr.SHA}
	if cr.Encoding == "base64" || cr.Encoding == "" {
		// The API wraps base64 content at 60 columns.
		raw := strings.NewReplacer("\n", "", "\r", "").Replace(cr.Content)
		remote.Content, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Remote{}, syncerr.Malformed(serviceName, endpoint, fmt.Errorf("decode content: %w", err))
		}
	}
	return remote, nil
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
	SHA     string `json:"sha,omitempty"`
}

// Publish writes every artifact independently; one failure never stops
// the others.
func (p *Publisher) Publish(ctx context.Context, artifacts []report.Artifact) Results {
	results := make(Results, 0, len(artifacts))
	for _, a := range artifacts {
		res := p.publishOne(ctx, a)
		if res.Err != nil {
			appLog.Error("publish failed", res.Err, "repo", p.target.Repo, "path", res.Path, "kind", syncerr.KindOf(res.Err))
		} else {
			appLog.Info("published", "repo", p.target.Repo, "path", res.Path, "outcome", res.Outcome)
		}
		results = append(results, res)
	}
	return results
}

func (p *Publisher) publishOne(ctx context.Context, a report.Artifact) Result {
	remotePath := p.RemotePath(a.Name)
	res := Result{Name: a.Name, Path: remotePath, Outcome: Failed}

	cl, err := p.ready()
	if err != nil {
		res.Err = err
		return res
	}

	current, err := p.Fetch(ctx, remotePath)
	if err != nil {
		res.Err = fmt.Errorf("check: %w", err)
		return res
	}

	msg := p.target.CommitMessage
	if msg == "" {
		msg = defaultCommitMessage
	}
	body, err := json.Marshal(putRequest{
		Message: strings.ReplaceAll(msg, "{path}", remotePath),
		Content: base64.StdEncoding.EncodeToString(a.Content),
		Branch:  p.target.Branch,
		SHA:     current.SHA,
	})
	if err != nil {
		res.Err = err
		return res
	}

	endpoint := p.contentsPath(remotePath)
	resp, err := cl.Put(ctx, endpoint, body, "application/json")
	if err != nil {
		switch status := statusOf(err); status {
		case http.StatusConflict, http.StatusUnprocessableEntity:
			res.Err = syncerr.Conflict(serviceName, endpoint, status, errors.Unwrap(err))
		default:
			res.Err = err
		}
		return res
	}

	if resp.Status == http.StatusCreated {
		res.Outcome = Created
	} else {
		res.Outcome = Updated
	}
	return res
}

// contentsPath is unescaped; the client escapes when building the URL.
func (p *Publisher) contentsPath(remotePath string) string {
	return p.repoPath + "/contents/" + strings.Trim(remotePath, "/")
}

func statusOf(err error) int {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
