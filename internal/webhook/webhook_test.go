package webhook

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/opsgate/internal/model"
	"github.com/t77yq/opsgate/internal/testutil"
)

const testSecret = "It's a Secret to Everybody"

func signedHeaders(event, delivery string, body []byte) http.Header {
	h := http.Header{}
	h.Set(HeaderEvent, event)
	h.Set(HeaderDelivery, delivery)
	h.Set(HeaderSignature256, Sign(body, testSecret))
	return h
}

func TestVerifySignature(t *testing.T) {
	body := []byte("Hello, World!")

	t.Run("KnownVector", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderSignature256, "sha256=757107ea0eb2509fc211221cce984b8a37570b6d7586c22c46f4379c8b043e17")
		assert.NoError(t, VerifySignature(h, body, testSecret))
	})

	t.Run("Mismatch", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderSignature256, Sign(body, "other secret"))
		assert.ErrorIs(t, VerifySignature(h, body, testSecret), ErrSignature)
	})

	t.Run("Missing", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature(http.Header{}, body, testSecret), ErrSignature)
	})

	t.Run("NoSecretConfigured", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderSignature256, Sign(body, ""))
		assert.ErrorIs(t, VerifySignature(h, body, ""), ErrSignature)
	})

	t.Run("WrongPrefix", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderSignature256, "sha1="+Sign(body, testSecret)[len("sha256="):])
		assert.ErrorIs(t, VerifySignature(h, body, testSecret), ErrSignature)
	})

	t.Run("NotHex", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderSignature256, "sha256=zz")
		assert.ErrorIs(t, VerifySignature(h, body, testSecret), ErrSignature)
	})

	t.Run("LegacySHA1", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderSignature, "sha1=01dc10d0c83e72ed246219cdd91669667fe2ca59")
		assert.NoError(t, VerifySignature(h, body, testSecret))
	})

	t.Run("SHA256WinsOverSHA1", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderSignature, "sha1=01dc10d0c83e72ed246219cdd91669667fe2ca59")
		h.Set(HeaderSignature256, Sign(body, "other secret"))
		assert.ErrorIs(t, VerifySignature(h, body, testSecret), ErrSignature)
	})
}

func TestDeliveryCache(t *testing.T) {
	clock := testutil.NewClock(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	cache := NewDeliveryCacheWithClock(5*time.Minute, clock.Now)

	assert.True(t, cache.CheckAndStore("a"))
	assert.False(t, cache.CheckAndStore("a"))
	assert.True(t, cache.CheckAndStore("b"))

	clock.Advance(4 * time.Minute)
	assert.False(t, cache.CheckAndStore("a"))

	clock.Advance(time.Minute)
	assert.Equal(t, 2, cache.Sweep())
	assert.Equal(t, 0, cache.Len())
	assert.True(t, cache.CheckAndStore("a"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		action string
		want   model.EventType
	}{
		{"push", "", model.EventPush},
		{"pull_request", "opened", model.EventPullRequestOpened},
		{"pull_request", "synchronize", model.EventPullRequestSynchronize},
		{"pull_request", "reopened", model.EventPullRequestReopened},
		{"pull_request", "closed", model.EventPullRequestClosed},
		{"pull_request", "labeled", model.EventUnknown},
		{"check_suite", "completed", model.EventCheckSuiteCompleted},
		{"check_suite", "requested", model.EventCheckSuiteRequested},
		{"check_run", "rerequested", model.EventCheckRunRerequested},
		{"installation", "created", model.EventInstallationCreated},
		{"installation", "deleted", model.EventInstallationDeleted},
		{"issues", "opened", model.EventUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name+"."+tt.action, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.name, tt.action))
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("Push", func(t *testing.T) {
		body := []byte(`{
			"ref": "refs/heads/feature-x",
			"before": "aaa",
			"after": "bbb",
			"repository": {"full_name": "acme/widgets", "default_branch": "main"},
			"sender": {"login": "octocat"},
			"commits": [{"id": "bbb", "message": "add", "added": ["docs/New File.md"], "modified": ["go.mod"]}]
		}`)
		event, err := Parse(signedHeaders("push", "d-1", body), body)
		require.NoError(t, err)

		assert.Equal(t, model.EventPush, event.Type)
		assert.Equal(t, "d-1", event.DeliveryID)
		assert.Equal(t, "acme/widgets", event.Repository)
		assert.Equal(t, "main", event.DefaultBranch)
		assert.Equal(t, "octocat", event.Sender)
		assert.Equal(t, "refs/heads/feature-x", event.Ref)
		assert.Equal(t, "bbb", event.SHA)
		assert.Equal(t, "aaa", event.BaseSHA)
		assert.Equal(t, []string{"docs/New File.md", "go.mod"}, event.ChangedFiles())
	})

	t.Run("PullRequest", func(t *testing.T) {
		body := []byte(`{
			"action": "opened",
			"repository": {"full_name": "acme/widgets"},
			"pull_request": {
				"number": 42, "title": "Add thing", "body": "details",
				"head": {"ref": "add-thing", "sha": "h1"},
				"base": {"ref": "main", "sha": "b1"}
			}
		}`)
		event, err := Parse(signedHeaders("pull_request", "d-2", body), body)
		require.NoError(t, err)

		assert.Equal(t, model.EventPullRequestOpened, event.Type)
		assert.Equal(t, 42, event.PRNumber)
		assert.Equal(t, "Add thing", event.PRTitle)
		assert.Equal(t, "details", event.PRBody)
		assert.Equal(t, "add-thing", event.Ref)
		assert.Equal(t, "h1", event.SHA)
		assert.Equal(t, "main", event.BaseRef)
		assert.Equal(t, "b1", event.BaseSHA)
	})

	t.Run("CheckSuite", func(t *testing.T) {
		body := []byte(`{
			"action": "completed",
			"repository": {"full_name": "acme/widgets"},
			"check_suite": {"head_sha": "c1", "head_branch": "dependabot/go_modules/x", "conclusion": "failure"}
		}`)
		event, err := Parse(signedHeaders("check_suite", "d-3", body), body)
		require.NoError(t, err)

		assert.Equal(t, model.EventCheckSuiteCompleted, event.Type)
		assert.Equal(t, "c1", event.SHA)
		assert.Equal(t, "dependabot/go_modules/x", event.Ref)
		assert.Equal(t, "failure", event.CheckConclusion)
	})

	t.Run("CheckRun", func(t *testing.T) {
		body := []byte(`{
			"action": "rerequested",
			"check_run": {"head_sha": "r1", "conclusion": "", "check_suite": {"head_branch": "fix"}}
		}`)
		event, err := Parse(signedHeaders("check_run", "d-4", body), body)
		require.NoError(t, err)

		assert.Equal(t, model.EventCheckRunRerequested, event.Type)
		assert.Equal(t, "r1", event.SHA)
		assert.Equal(t, "fix", event.Ref)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		body := []byte(`{"action":`)
		_, err := Parse(signedHeaders("push", "d-5", body), body)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("MissingEventHeader", func(t *testing.T) {
		_, err := Parse(http.Header{}, []byte(`{}`))
		assert.ErrorIs(t, err, ErrValidation)
	})
}
