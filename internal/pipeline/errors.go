package pipeline

import "errors"

var (
	// ErrNotReady is returned by query and metadata operations before LoadData succeeded.
	ErrNotReady = errors.New("session is not ready: load data first")
	// ErrMetadataLocked is returned by a second UpdateMetadata call.
	ErrMetadataLocked = errors.New("metadata was already edited for this session")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session is closed")
	// ErrAlreadyLoaded is returned by a second LoadData call on a ready session.
	ErrAlreadyLoaded = errors.New("data is already loaded for this session")
	// ErrEmptyQuery is returned for blank questions.
	ErrEmptyQuery = errors.New("query is empty")
)
