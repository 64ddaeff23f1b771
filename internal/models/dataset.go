package models

import "time"

// Dataset is the primary record of an uploaded data file.
type Dataset struct {
	ID               int64           `json:"id"`
	Title            string          `json:"title"`
	UserID           int64           `json:"userId"`
	TopicID          int64           `json:"topicId"`
	DataSourceID     int64           `json:"dataSourceId"`
	DataTypeID       int64           `json:"dataTypeId"`
	StartDate        *time.Time      `json:"startDate,omitempty"`
	EndDate          *time.Time      `json:"endDate,omitempty"`
	Description      string          `json:"description"`
	AnalysisGuide    string          `json:"analysisGuide"`
	FileURL          string          `json:"fileUrl,omitempty"`
	OriginalFilename string          `json:"originalFilename,omitempty"`
	ThumbnailURL     string          `json:"thumbnailUrl,omitempty"`
	SizeBytes        int64           `json:"sizeBytes"`
	DownloadCount    int             `json:"downloadCount"`
	Deleted          bool            `json:"-"`
	CreatedAt        time.Time       `json:"createdAt"`
	Metadata         *ParsedMetadata `json:"metadata,omitempty"`
}

// ParsedMetadata is derived from the stored file. The three fields are always
// computed and written together.
type ParsedMetadata struct {
	RowCount    int    `json:"rowCount"`
	ColumnCount int    `json:"columnCount"`
	PreviewJSON string `json:"previewJson"`
}

// DataUploadEvent is published once the dataset file is durably stored.
type DataUploadEvent struct {
	EventID          string    `json:"eventId"`
	DataID           int64     `json:"dataId"`
	FileURL          string    `json:"fileUrl"`
	OriginalFilename string    `json:"originalFilename"`
	EmittedAt        time.Time `json:"emittedAt"`
}

// ParseMetadataRequest asks the parser to read one stored file.
type ParseMetadataRequest struct {
	DataID           int64
	FileURL          string
	OriginalFilename string
}

// Labels carries the denormalized reference values of a dataset.
type Labels struct {
	Topic      string `json:"topic"`
	DataSource string `json:"dataSource"`
	DataType   string `json:"dataType"`
	Username   string `json:"username"`
}
