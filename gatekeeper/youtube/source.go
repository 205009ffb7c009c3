// Package youtube reads video comments through the YouTube Data API.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/samber/lo"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
)

// pageSize is the largest page the API allows for comment threads.
const pageSize = 100

// Source implements platform.CommentSource.
type Source struct {
	log *slog.Logger
	svc *yt.Service
}

// New creates a Source authenticated with apiKey.
func New(ctx context.Context, log *slog.Logger, apiKey string, opts ...option.ClientOption) (*Source, error) {
	svc, err := yt.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &Source{log: log, svc: svc}, nil
}

// ListComments returns one page of the newest top-level comments of videoID.
// Comments come back as plain text so punctuation matches what users typed.
func (s *Source) ListComments(ctx context.Context, videoID, pageToken string) (platform.CommentPage, error) {
	call := s.svc.CommentThreads.List([]string{"snippet"}).
		VideoId(videoID).
		MaxResults(pageSize).
		Order("time").
		TextFormat("plainText").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		err = Classify(err)
		s.log.Warn("Failed to list comments", "video", videoID, "error", err)
		return platform.CommentPage{}, err
	}

	comments := lo.FilterMap(resp.Items, func(item *yt.CommentThread, _ int) (string, bool) {
		if item == nil || item.Snippet == nil || item.Snippet.TopLevelComment == nil || item.Snippet.TopLevelComment.Snippet == nil {
			return "", false
		}
		return item.Snippet.TopLevelComment.Snippet.TextDisplay, true
	})
	s.log.Debug("Listed comments", "video", videoID, "count", len(comments), "more", resp.NextPageToken != "")
	return platform.CommentPage{Comments: comments, NextPageToken: resp.NextPageToken}, nil
}

// Classify maps API errors onto the platform errors. Anything it does not
// recognise is returned wrapped and is treated as transient by callers.
func Classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("list comments: %w", err)
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "quotaExceeded", "dailyLimitExceeded":
			return fmt.Errorf("list comments: %w: %w", platform.ErrQuotaExhausted, err)
		case "forbidden", "videoNotFound", "commentsDisabled":
			return fmt.Errorf("list comments: %w: %w", platform.ErrResourceUnavailable, err)
		}
	}
	if gerr.Code == http.StatusNotFound {
		return fmt.Errorf("list comments: %w: %w", platform.ErrResourceUnavailable, err)
	}
	return fmt.Errorf("list comments: %w", err)
}
