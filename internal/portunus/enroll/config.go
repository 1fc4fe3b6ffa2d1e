package enroll

import "time"

// Limits bounds what a single enrollment session may carry.
type Limits struct {
	MinPhotos           int
	MaxPhotos           int
	MaxChunkBytes       int
	MaxPhotoBytes       int
	SessionTimeout      time.Duration
	RequireAllPhotos    bool
	MaxPipelineFailures int
}

func DefaultLimits() Limits {
	return Limits{
		MinPhotos:           1,
		MaxPhotos:           5,
		MaxChunkBytes:       512,
		MaxPhotoBytes:       5 << 20,
		SessionTimeout:      5 * time.Minute,
		RequireAllPhotos:    true,
		MaxPipelineFailures: 3,
	}
}

// withDefaults fills zero fields from DefaultLimits.  RequireAllPhotos is a
// plain bool and is taken as given.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MinPhotos <= 0 {
		l.MinPhotos = d.MinPhotos
	}
	if l.MaxPhotos <= 0 {
		l.MaxPhotos = d.MaxPhotos
	}
	if l.MaxChunkBytes <= 0 {
		l.MaxChunkBytes = d.MaxChunkBytes
	}
	if l.MaxPhotoBytes <= 0 {
		l.MaxPhotoBytes = d.MaxPhotoBytes
	}
	if l.SessionTimeout <= 0 {
		l.SessionTimeout = d.SessionTimeout
	}
	if l.MaxPipelineFailures <= 0 {
		l.MaxPipelineFailures = d.MaxPipelineFailures
	}
	return l
}
