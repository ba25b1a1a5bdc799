package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderContentType = "Content-Type"
	ContentTypeJSON   = "application/json"
	ContentTypePNG    = "image/png"
	ContentTypeText   = "text/plain; charset=utf-8"
)

// API paths
const (
	PathHealthz       = "/healthz"
	PathMetrics       = "/metrics"
	PathScreenshot    = "/screenshot"
	PathPredict       = "/predict"
	PathPredictResult = "/predict/result"
)

// Multipart form fields accepted for the uploaded image, in lookup order.
const (
	FormFieldImage = "image"
	FormFieldFile  = "file"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	SQLiteBusyTimeoutMS  = 5000
)

// MimeImageJPEG is the media type of staged images.
const MimeImageJPEG = "image/jpeg"

// Subdirectory names
const (
	UploadsDirName = "uploads"
)

// Staged image naming
const (
	StagedImagePrefix = "job-"
	StagedImageExt    = ".jpg"
)

// Model file extension
const ModelFileExt = ".gguf"
