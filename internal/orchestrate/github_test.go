package orchestrate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
)

const testBranch = "rightsize/amazonec2-i-0abc123"

func githubConfig(token, owner, repo string) config.GitHubConfig {
	return config.GitHubConfig{
		Token: config.Secret(token),
		Owner: owner,
		Repo:  repo,
	}
}

func newTestGitHubHost(t *testing.T, mux *http.ServeMux) *GitHubHost {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := github.NewClient(nil)
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	client.BaseURL = baseURL

	return newGitHubHost(client, "acme", "infra", "main", zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func TestGitHubHost_EnsureBranch_Creates(t *testing.T) {
	// CreateRef sends the create-a-reference payload, which carries the SHA
	// at the top level rather than nested under "object".
	var created struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	createCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/infra/git/ref/", func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/repos/acme/infra/git/ref/")
		if ref == "heads/main" {
			writeJSON(w, http.StatusOK, `{"ref":"refs/heads/main","object":{"sha":"base-sha","type":"commit"}}`)
			return
		}
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("/repos/acme/infra/git/refs", func(w http.ResponseWriter, r *http.Request) {
		createCalls++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		writeJSON(w, http.StatusCreated, `{"ref":"refs/heads/`+testBranch+`","object":{"sha":"base-sha"}}`)
	})

	host := newTestGitHubHost(t, mux)
	existed, err := host.EnsureBranch(context.Background(), testBranch)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, 1, createCalls)
	assert.Equal(t, "refs/heads/"+testBranch, created.Ref)
	assert.Equal(t, "base-sha", created.SHA)
}

func TestGitHubHost_EnsureBranch_Existing(t *testing.T) {
	createCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/infra/git/ref/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"ref":"refs/heads/`+testBranch+`","object":{"sha":"tip-sha"}}`)
	})
	mux.HandleFunc("/repos/acme/infra/git/refs", func(w http.ResponseWriter, r *http.Request) {
		createCalls++
		writeJSON(w, http.StatusCreated, `{}`)
	})

	host := newTestGitHubHost(t, mux)
	existed, err := host.EnsureBranch(context.Background(), testBranch)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 0, createCalls)
}

func TestGitHubHost_EnsureBranch_CreateRaceMeansExists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/infra/git/ref/", func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/repos/acme/infra/git/ref/")
		if ref == "heads/main" {
			writeJSON(w, http.StatusOK, `{"ref":"refs/heads/main","object":{"sha":"base-sha"}}`)
			return
		}
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("/repos/acme/infra/git/refs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{"message":"Reference already exists"}`)
	})

	host := newTestGitHubHost(t, mux)
	existed, err := host.EnsureBranch(context.Background(), testBranch)
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestGitHubHost_EnsureBranch_ServerErrorIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/infra/git/ref/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, `{"message":"bad gateway"}`)
	})

	host := newTestGitHubHost(t, mux)
	_, err := host.EnsureBranch(context.Background(), testBranch)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

const terraformContent = "resource \"aws_instance\" \"web\" {\n  instance_type = \"m5.large\"\n}\n"

func TestGitHubHost_CommitFile_CreatesNewFile(t *testing.T) {
	path := "remediation/AmazonEC2/i-0abc123_waste_pattern.tf"
	var put struct {
		Message string `json:"message"`
		Content string `json:"content"`
		Branch  string `json:"branch"`
		SHA     string `json:"sha"`
	}
	putCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/infra/contents/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
		case http.MethodPut:
			putCalls++
			require.NoError(t, json.NewDecoder(r.Body).Decode(&put))
			assert.True(t, strings.HasSuffix(r.URL.Path, path))
			writeJSON(w, http.StatusCreated, `{"content":{"sha":"new-sha"},"commit":{"sha":"commit-sha"}}`)
		}
	})

	host := newTestGitHubHost(t, mux)
	committed, err := host.CommitFile(context.Background(), testBranch, path, "costwatch: remediation", []byte(terraformContent))
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, 1, putCalls)
	assert.Equal(t, "costwatch: remediation", put.Message)
	assert.Equal(t, testBranch, put.Branch)
	assert.Empty(t, put.SHA)

	decoded, err := base64.StdEncoding.DecodeString(put.Content)
	require.NoError(t, err)
	assert.Equal(t, terraformContent, string(decoded))
}

func TestGitHubHost_CommitFile_IdenticalContentIsNoOp(t *testing.T) {
	putCalls := 0
	contentJSON, err := json.Marshal(terraformContent)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/infra/contents/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK,
				`{"type":"file","path":"x.tf","sha":"old-sha","content":`+string(contentJSON)+`}`)
		case http.MethodPut:
			putCalls++
			writeJSON(w, http.StatusOK, `{}`)
		}
	})

	host := newTestGitHubHost(t, mux)
	committed, err := host.CommitFile(context.Background(), testBranch, "x.tf", "msg", []byte(terraformContent))
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Equal(t, 0, putCalls)
}

func TestGitHubHost_CommitFile_UpdatesChangedFile(t *testing.T) {
	var put struct {
		SHA string `json:"sha"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/infra/contents/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, `{"type":"file","path":"x.tf","sha":"old-sha","content":"outdated"}`)
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&put))
			writeJSON(w, http.StatusOK, `{"content":{"sha":"new-sha"}}`)
		}
	})

	host := newTestGitHubHost(t, mux)
	committed, err := host.CommitFile(context.Background(), testBranch, "x.tf", "msg", []byte(terraformContent))
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, "old-sha", put.SHA)
}

func TestGitHubHost_EnsurePR_ReusesOpen(t *testing.T) {
	createCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "open", r.URL.Query().Get("state"))
			assert.Equal(t, "acme:"+testBranch, r.URL.Query().Get("head"))
			assert.Equal(t, "main", r.URL.Query().Get("base"))
			writeJSON(w, http.StatusOK, `[{"number":7,"html_url":"https://github.com/acme/infra/pull/7"}]`)
		case http.MethodPost:
			createCalls++
			writeJSON(w, http.StatusCreated, `{}`)
		}
	})

	host := newTestGitHubHost(t, mux)
	pr, err := host.EnsurePR(context.Background(), testBranch, "title", "body")
	require.NoError(t, err)
	assert.True(t, pr.Existed)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "https://github.com/acme/infra/pull/7", pr.URL)
	assert.Equal(t, 0, createCalls)
}

func TestGitHubHost_EnsurePR_CreatesNew(t *testing.T) {
	var created github.NewPullRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, `[]`)
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			writeJSON(w, http.StatusCreated, `{"number":8,"html_url":"https://github.com/acme/infra/pull/8"}`)
		}
	})

	host := newTestGitHubHost(t, mux)
	pr, err := host.EnsurePR(context.Background(), testBranch, "[costwatch] waste_pattern: AmazonEC2/i-0abc123", "body text")
	require.NoError(t, err)
	assert.False(t, pr.Existed)
	assert.Equal(t, 8, pr.Number)
	assert.Equal(t, "https://github.com/acme/infra/pull/8", pr.URL)

	assert.Equal(t, "[costwatch] waste_pattern: AmazonEC2/i-0abc123", created.GetTitle())
	assert.Equal(t, testBranch, created.GetHead())
	assert.Equal(t, "main", created.GetBase())
	assert.Equal(t, "body text", created.GetBody())
}

func TestGitHubHost_Classification(t *testing.T) {
	t.Run("403 with rate limit info is transient", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Ratelimit-Limit", "5000")
			w.Header().Set("X-Ratelimit-Remaining", "0")
			w.Header().Set("X-Ratelimit-Reset", "1700000000")
			writeJSON(w, http.StatusForbidden, `{"message":"API rate limit exceeded"}`)
		})

		host := newTestGitHubHost(t, mux)
		_, err := host.EnsurePR(context.Background(), testBranch, "t", "b")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("plain 403 is permanent", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, `{"message":"Resource not accessible"}`)
		})

		host := newTestGitHubHost(t, mux)
		_, err := host.EnsurePR(context.Background(), testBranch, "t", "b")
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})

	t.Run("422 on create is permanent", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				writeJSON(w, http.StatusOK, `[]`)
			case http.MethodPost:
				writeJSON(w, http.StatusUnprocessableEntity, `{"message":"Validation Failed"}`)
			}
		})

		host := newTestGitHubHost(t, mux)
		_, err := host.EnsurePR(context.Background(), testBranch, "t", "b")
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})
}

func TestNewGitHubHost_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewGitHubHost(ctx, githubConfig("", "acme", "infra"), nil)
	assert.Error(t, err)

	_, err = NewGitHubHost(ctx, githubConfig("tok", "", "infra"), nil)
	assert.Error(t, err)

	host, err := NewGitHubHost(ctx, githubConfig("tok", "acme", "infra"), nil)
	require.NoError(t, err)
	assert.Equal(t, "main", host.base)
}
