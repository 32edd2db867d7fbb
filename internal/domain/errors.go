package domain

import "errors"

var (
	// ErrDuplicateJob signals that a video already has a job that rules out
	// creating another one. Callers treat it as idempotent success.
	ErrDuplicateJob = errors.New("duplicate job for video")

	// ErrFeedUnavailable wraps network or parse failures while checking a
	// channel feed. Transient; the channel is retried on its normal cadence.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrDownloadFailed wraps a failed downloader invocation.
	ErrDownloadFailed = errors.New("download failed")

	ErrInvalidURL       = errors.New("invalid URL")
	ErrInvalidFrequency = errors.New("invalid frequency")
	ErrJobNotFound      = errors.New("job not found")
	ErrChannelNotFound  = errors.New("channel not found")
)
