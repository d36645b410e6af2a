package stickergen

import "context"

// JobClient submits jobs to the image generation provider and polls for results.
type JobClient interface {
	// SubmitSynthesis starts a stage-1 text-to-image job and returns its request id.
	SubmitSynthesis(ctx context.Context, req SynthesisRequest) (string, error)

	// SubmitBackgroundRemoval starts a stage-2 job on the image at imageURL.
	SubmitBackgroundRemoval(ctx context.Context, imageURL string) (string, error)

	// GetResult fetches the current state of a job. ErrResultNotReady and
	// ErrProviderUnavailable both mean no result is available yet.
	GetResult(ctx context.Context, requestID string) (*JobResult, error)
}

// ImageDownloader fetches a finished image with a size cap.
type ImageDownloader interface {
	DownloadImage(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// Messenger delivers job outcomes to the chat platform.
type Messenger interface {
	// EditMessage replaces the content of ref. It returns ErrMessageExpired
	// when the message can no longer be edited.
	EditMessage(ctx context.Context, ref MessageRef, out Outcome) error

	// SendMessage posts a new message to the user's private chat.
	SendMessage(ctx context.Context, userID int64, out Outcome) error
}

// Collection persists finished stickers for a user.
type Collection interface {
	Save(ctx context.Context, s Sticker) error
}
