package models

// FileInfo describes one file offered in a transfer request.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// UploadFile is one local file queued for upload.
type UploadFile struct {
	LocalPath   string `json:"file_path"`
	UUID        string `json:"file_uuid"`
	DisplayName string `json:"name"`
}

// UploadProgress is the payload of the upload-progress event.
type UploadProgress struct {
	Filename string `json:"filename"`
	Percent  int    `json:"percent"`
	UUID     string `json:"uuid"`
}
