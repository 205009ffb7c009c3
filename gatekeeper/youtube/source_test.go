package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal/testutil"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
)

func TestClassify(t *testing.T) {
	apiErr := func(code int, reason string) error {
		return &googleapi.Error{Code: code, Message: "boom", Errors: []googleapi.ErrorItem{{Reason: reason}}}
	}
	tests := []struct {
		name        string
		err         error
		quota       bool
		unavailable bool
	}{
		{"quota", apiErr(403, "quotaExceeded"), true, false},
		{"forbidden", apiErr(403, "forbidden"), false, true},
		{"video not found", apiErr(404, "videoNotFound"), false, true},
		{"comments disabled", apiErr(403, "commentsDisabled"), false, true},
		{"bare not found", &googleapi.Error{Code: 404}, false, true},
		{"rate limited", apiErr(403, "rateLimitExceeded"), false, false},
		{"processing failure", apiErr(400, "processingFailure"), false, false},
		{"backend error", apiErr(500, "backendError"), false, false},
		{"network", errors.New("connection reset"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.quota, errors.Is(got, platform.ErrQuotaExhausted))
			assert.Equal(t, tt.unavailable, errors.Is(got, platform.ErrResourceUnavailable))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestListComments(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"nextPageToken": "next",
			"items": []map[string]any{
				{"snippet": map[string]any{"topLevelComment": map[string]any{"snippet": map[string]any{"textDisplay": "It's great"}}}},
				{"snippet": map[string]any{}},
				{"snippet": map[string]any{"topLevelComment": map[string]any{"snippet": map[string]any{"textDisplay": "second"}}}},
			},
		})
	}))
	defer srv.Close()

	s, err := New(context.Background(), testutil.Logger(), "key", option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	page, err := s.ListComments(context.Background(), "vid", "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"It's great", "second"}, page.Comments)
	assert.Equal(t, "next", page.NextPageToken)

	assert.Equal(t, []string{"vid"}, query["videoId"])
	assert.Equal(t, []string{"time"}, query["order"])
	assert.Equal(t, []string{"plainText"}, query["textFormat"])
	assert.Equal(t, []string{"100"}, query["maxResults"])
	assert.Equal(t, []string{"tok"}, query["pageToken"])
}

func TestListCommentsQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quota","errors":[{"reason":"quotaExceeded","message":"quota"}]}}`))
	}))
	defer srv.Close()

	s, err := New(context.Background(), testutil.Logger(), "key", option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = s.ListComments(context.Background(), "vid", "")
	assert.ErrorIs(t, err, platform.ErrQuotaExhausted)
}
