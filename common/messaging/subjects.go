package messaging

import "time"

// Subjects follow {product}.{area}.{event}.
const (
	SubjectStaged   = "scope.staging.staged"   // collector wrote a pending document
	SubjectLoaded   = "scope.staging.loaded"   // loader ingested and promoted it
	SubjectRejected = "scope.staging.rejected" // loader quarantined it

	SubjectStagingAll = "scope.staging.>"
)

// Stream and consumer names.
const (
	StreamStaging  = "STAGING"
	ConsumerLoader = "loader-staged"

	StreamMaxAge = 7 * 24 * time.Hour
)
